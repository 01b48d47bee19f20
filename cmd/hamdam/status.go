package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/4xmen/hamdam/internal/auth"
	"github.com/4xmen/hamdam/internal/db"
	"github.com/4xmen/hamdam/pkg/config"
)

type appStatus struct {
	GeneratedAt     time.Time
	Environment     string
	BackendURL      string
	BridgeAddr      string
	DatabasePath    string
	LogFile         string
	SignedIn        bool
	Email           string
	UserID          int
	ExpiresAt       time.Time
	Expired         bool
	SessionSavedAt  string
	DBSize          int64
	DBWALSize       int64
	DBSHMSize       int64
	DataDirSize     int64
	DataFileCount   int64
	LogSize         int64
	SessionWarning  string
	StorageWarnings []string
}

type statusOptions struct {
	JSON bool
}

func parseStatusArgs(args []string) (statusOptions, error) {
	opts := statusOptions{}
	for _, arg := range args {
		switch arg {
		case "--json", "-j":
			opts.JSON = true
		default:
			return opts, fmt.Errorf("unknown status flag: %s", arg)
		}
	}
	return opts, nil
}

func runStatus(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseStatusArgs(args)
	if err != nil {
		return err
	}

	status := collectStatus(cfg)
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

func collectStatus(cfg *config.Config) appStatus {
	status := appStatus{
		GeneratedAt:  time.Now(),
		Environment:  cfg.Environment,
		BackendURL:   cfg.BackendURL,
		BridgeAddr:   cfg.BridgeAddr,
		DatabasePath: cfg.DatabasePath,
		LogFile:      cfg.LogFile,
	}

	if size, err := fileSize(cfg.DatabasePath); err == nil {
		status.DBSize = size
	} else {
		status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("database file: %v", err))
	}

	if size, err := fileSize(cfg.DatabasePath + "-wal"); err == nil {
		status.DBWALSize = size
	}

	if size, err := fileSize(cfg.DatabasePath + "-shm"); err == nil {
		status.DBSHMSize = size
	}

	if bytes, files, err := dirUsage(filepath.Dir(cfg.DatabasePath)); err == nil {
		status.DataDirSize = bytes
		status.DataFileCount = files
	} else {
		status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("data dir: %v", err))
	}

	if size, err := fileSize(cfg.LogFile); err == nil {
		status.LogSize = size
	}

	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		status.SessionWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		status.SessionWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}
	defer database.Close()

	if status.SessionSavedAt, err = queryString(database.GetConn(), "SELECT COALESCE(MAX(created_at), '') FROM sessions"); err != nil {
		status.SessionWarning = fmt.Sprintf("could not read session: %v", err)
		return status
	}

	sealer, err := auth.NewSealer(cfg.SessionSecret)
	if err != nil {
		status.SessionWarning = fmt.Sprintf("could not read session: %v", err)
		return status
	}

	session, err := auth.New(database, sealer, nil).Current()
	switch {
	case errors.Is(err, auth.ErrNotSignedIn):
		return status
	case err != nil:
		status.SessionWarning = fmt.Sprintf("could not read session: %v", err)
		return status
	}

	status.SignedIn = true
	status.Email = session.Email
	status.UserID = session.UserID
	status.ExpiresAt = session.ExpiresAt
	status.Expired = session.Expired(status.GeneratedAt)
	return status
}

func queryString(conn *sql.DB, query string) (string, error) {
	var value string
	if err := conn.QueryRow(query).Scan(&value); err != nil {
		return "", err
	}
	return value, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

func dirUsage(root string) (int64, int64, error) {
	var totalBytes int64
	var totalFiles int64

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		totalBytes += info.Size()
		totalFiles++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return totalBytes, totalFiles, nil
}

func formatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

func formatTimestamp(value string) string {
	if value == "" {
		return "n/a"
	}
	return value
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	return t.Format(time.RFC3339)
}

func printStatus(out io.Writer, status appStatus) {
	totalDB := status.DBSize + status.DBWALSize + status.DBSHMSize

	fmt.Fprintln(out, "Hamdam Status")
	fmt.Fprintf(out, "Generated at: %s\n", status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Environment : %s\n", status.Environment)
	fmt.Fprintf(out, "Backend     : %s\n", status.BackendURL)
	fmt.Fprintf(out, "Bridge      : %s\n", status.BridgeAddr)
	fmt.Fprintf(out, "Database    : %s\n", status.DatabasePath)
	fmt.Fprintf(out, "Log file    : %s\n", status.LogFile)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Session")
	if status.SignedIn {
		fmt.Fprintf(out, "  Email      : %s\n", status.Email)
		fmt.Fprintf(out, "  User id    : %d\n", status.UserID)
		fmt.Fprintf(out, "  Saved at   : %s\n", formatTimestamp(status.SessionSavedAt))
		fmt.Fprintf(out, "  Expires at : %s\n", formatExpiry(status.ExpiresAt))
		if status.Expired {
			fmt.Fprintln(out, "  Expired    : yes, sign in again")
		}
	} else {
		fmt.Fprintln(out, "  Signed in  : no")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage")
	fmt.Fprintf(out, "  DB file       : %s\n", formatBytes(status.DBSize))
	fmt.Fprintf(out, "  DB WAL file   : %s\n", formatBytes(status.DBWALSize))
	fmt.Fprintf(out, "  DB SHM file   : %s\n", formatBytes(status.DBSHMSize))
	fmt.Fprintf(out, "  DB footprint  : %s\n", formatBytes(totalDB))
	fmt.Fprintf(out, "  Data files    : %d\n", status.DataFileCount)
	fmt.Fprintf(out, "  Data size     : %s\n", formatBytes(status.DataDirSize))
	fmt.Fprintf(out, "  Log size      : %s\n", formatBytes(status.LogSize))

	if status.SessionWarning != "" {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Warning: %s\n", status.SessionWarning)
	}

	if len(status.StorageWarnings) > 0 {
		fmt.Fprintln(out)
		for _, warning := range status.StorageWarnings {
			fmt.Fprintf(out, "Warning: %s\n", warning)
		}
	}
}

func printStatusJSON(out io.Writer, status appStatus) error {
	payload := map[string]any{
		"generated_at":  status.GeneratedAt.Format(time.RFC3339),
		"environment":   status.Environment,
		"backend_url":   status.BackendURL,
		"bridge_addr":   status.BridgeAddr,
		"database_path": status.DatabasePath,
		"log_file":      status.LogFile,
		"session": map[string]any{
			"signed_in":  status.SignedIn,
			"email":      status.Email,
			"user_id":    status.UserID,
			"saved_at":   formatTimestamp(status.SessionSavedAt),
			"expires_at": formatExpiry(status.ExpiresAt),
			"expired":    status.Expired,
		},
		"storage": map[string]any{
			"db_file_bytes":      status.DBSize,
			"db_wal_bytes":       status.DBWALSize,
			"db_shm_bytes":       status.DBSHMSize,
			"db_footprint_bytes": status.DBSize + status.DBWALSize + status.DBSHMSize,
			"data_dir_bytes":     status.DataDirSize,
			"data_file_count":    status.DataFileCount,
			"log_bytes":          status.LogSize,
			"db_file_hum":        formatBytes(status.DBSize),
			"db_footprint_hum":   formatBytes(status.DBSize + status.DBWALSize + status.DBSHMSize),
			"data_dir_hum":       formatBytes(status.DataDirSize),
			"log_hum":            formatBytes(status.LogSize),
		},
		"warnings": map[string]any{
			"session": status.SessionWarning,
			"storage": status.StorageWarnings,
		},
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

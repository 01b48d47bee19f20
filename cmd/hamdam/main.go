package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/4xmen/hamdam/internal/api"
	"github.com/4xmen/hamdam/internal/auth"
	"github.com/4xmen/hamdam/internal/bridge"
	"github.com/4xmen/hamdam/internal/conversation"
	"github.com/4xmen/hamdam/internal/db"
	"github.com/4xmen/hamdam/internal/dispatch"
	"github.com/4xmen/hamdam/internal/models"
	"github.com/4xmen/hamdam/internal/overview"
	"github.com/4xmen/hamdam/internal/tui"
	"github.com/4xmen/hamdam/internal/ws"
	"github.com/4xmen/hamdam/pkg/config"
	"github.com/4xmen/hamdam/pkg/i18n"
)

const requestTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	i18n.SetLocale(cfg.Locale)

	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"chat"}
	}

	if err := runCommand(cfg, args); err != nil {
		log.SetOutput(os.Stderr)
		log.Fatalf("%s", i18n.Translate(err.Error()))
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "login":
		if len(args) != 3 {
			printUsage(os.Stderr)
			return errors.New("email and password are required")
		}
		return withApp(cfg, func(app *app) error { return app.login(args[1], args[2]) })
	case "logout":
		return withApp(cfg, func(app *app) error { return app.auth.Logout() })
	case "whoami":
		return withApp(cfg, func(app *app) error { return app.whoami(os.Stdout) })
	case "chat":
		patientID, err := parseChatArgs(args[1:])
		if err != nil {
			return err
		}
		return withApp(cfg, func(app *app) error { return app.chat(patientID) })
	case "patients":
		return withApp(cfg, func(app *app) error { return app.patients() })
	case "serve":
		return withApp(cfg, func(app *app) error { return app.serve() })
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  hamdam login EMAIL PASSWORD   Sign in and remember the session")
	fmt.Fprintln(out, "  hamdam logout                 Forget the stored session")
	fmt.Fprintln(out, "  hamdam whoami                 Show the signed-in user")
	fmt.Fprintln(out, "  hamdam chat [--patient ID]    Open a conversation (default command)")
	fmt.Fprintln(out, "  hamdam patients               List patients with their latest messages")
	fmt.Fprintln(out, "  hamdam serve                  Run the local bridge for UI processes")
	fmt.Fprintln(out, "  hamdam status [--json]        Show configuration, session and storage")
}

// parseChatArgs returns the patient id given with --patient, 0 without one.
func parseChatArgs(args []string) (int, error) {
	patientID := 0
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; arg {
		case "--patient", "-p":
			if i+1 >= len(args) {
				return 0, fmt.Errorf("%s requires a patient id", arg)
			}
			i++
			id, err := strconv.Atoi(args[i])
			if err != nil || id <= 0 {
				return 0, fmt.Errorf("invalid patient id: %s", args[i])
			}
			patientID = id
		default:
			return 0, fmt.Errorf("unknown chat flag: %s", arg)
		}
	}
	return patientID, nil
}

// app holds the services shared by every command that talks to the backend.
type app struct {
	cfg      *config.Config
	database *db.DB
	auth     *auth.Service
	client   *api.Client
}

func withApp(cfg *config.Config, fn func(*app) error) error {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	sealer, err := auth.NewSealer(cfg.SessionSecret)
	if err != nil {
		return err
	}

	a := &app{cfg: cfg, database: database}
	a.client = api.New(cfg.BackendURL, api.TokenFunc(func() (string, error) {
		return a.auth.Token()
	}), api.WithPageSize(cfg.HistoryPageSize))
	a.auth = auth.New(database, sealer, a.client)

	return fn(a)
}

func (a *app) login(email, password string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	session, err := a.auth.Login(ctx, email, password)
	if err != nil {
		return err
	}
	fmt.Printf("Signed in as %s (user %d)\n", session.Email, session.UserID)
	return nil
}

func (a *app) whoami(out io.Writer) error {
	session, err := a.auth.Current()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Email      : %s\n", session.Email)
	fmt.Fprintf(out, "User id    : %d\n", session.UserID)
	fmt.Fprintf(out, "Expires at : %s\n", formatExpiry(session.ExpiresAt))
	if session.Expired(time.Now()) {
		fmt.Fprintln(out, "Session expired, run hamdam login again.")
		return nil
	}

	me, err := a.me()
	if err != nil {
		fmt.Fprintf(out, "Profile    : %s\n", i18n.Translate(err.Error()))
		return nil
	}
	role := "patient"
	if me.IsTherapist {
		role = "therapist"
	}
	fmt.Fprintf(out, "Name       : %s\n", me.Title())
	fmt.Fprintf(out, "Role       : %s\n", role)
	return nil
}

func (a *app) me() (*models.User, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	me, err := a.client.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	return me, nil
}

// connect builds the shared connection for the signed-in user. The caller
// owns the returned manager and must Disconnect it.
func (a *app) connect(d *dispatch.Dispatcher, reg prometheus.Registerer) (*ws.Manager, string, error) {
	token, err := a.auth.Token()
	if err != nil {
		return nil, "", err
	}

	policy := ws.ReconnectPolicy{
		Delay:       a.cfg.ReconnectDelay,
		MaxDelay:    a.cfg.ReconnectMaxDelay,
		Multiplier:  a.cfg.ReconnectMultiplier,
		MaxAttempts: a.cfg.ReconnectMaxAttempts,
	}
	manager := ws.NewManager(a.cfg.BackendURL, d.Broadcast,
		ws.WithPolicy(policy),
		ws.WithPingInterval(a.cfg.PingInterval),
		ws.WithMetrics(ws.NewMetrics(reg)),
	)
	return manager, token, nil
}

// redirectLog keeps log output from corrupting the terminal UI.
func (a *app) redirectLog() (func(), error) {
	f, err := os.OpenFile(a.cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}, nil
}

func (a *app) chat(patientID int) error {
	me, err := a.me()
	if err != nil {
		return err
	}
	if me.IsTherapist && patientID == 0 {
		return errors.New("therapists open a conversation with --patient ID, see hamdam patients")
	}

	restore, err := a.redirectLog()
	if err != nil {
		return err
	}
	defer restore()

	d := dispatch.New()
	manager, token, err := a.connect(d, nil)
	if err != nil {
		return err
	}
	defer manager.Disconnect()

	return a.runChat(me, patientID, d, manager, token)
}

func (a *app) runChat(me *models.User, patientID int, d *dispatch.Dispatcher, manager *ws.Manager, token string) error {
	resolve := conversation.TherapistResolver(a.client)
	if me.IsTherapist {
		resolve = conversation.PatientResolver(a.client, patientID)
	}
	model := conversation.New(me.ID, resolve, a.client, manager, d)

	program := tea.NewProgram(tui.NewChat(model, me.IsTherapist, manager.State()), tea.WithAltScreen())
	stop := startChat(program, manager, token)
	defer stop()

	_, err := program.Run()
	model.Unmount()
	return err
}

type connection interface {
	State() ws.State
	OnStateChange(fn func(ws.State))
	Connect(token string)
}

type sender interface {
	Send(msg tea.Msg)
}

// startChat connects and forwards connection states to program. The program
// may not be running yet, so states reach it from a separate goroutine and
// only the latest one is kept. The returned func detaches the forwarder.
func startChat(program sender, conn connection, token string) func() {
	changed := make(chan struct{}, 1)
	done := make(chan struct{})

	conn.OnStateChange(func(ws.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-changed:
				program.Send(tui.ConnectionMsg(conn.State()))
			}
		}
	}()

	conn.Connect(token)

	return func() {
		conn.OnStateChange(nil)
		close(done)
	}
}

func (a *app) patients() error {
	me, err := a.me()
	if err != nil {
		return err
	}
	if !me.IsTherapist {
		return errors.New("only therapists have a patient list")
	}

	restore, err := a.redirectLog()
	if err != nil {
		return err
	}
	defer restore()

	d := dispatch.New()
	manager, token, err := a.connect(d, nil)
	if err != nil {
		return err
	}
	defer manager.Disconnect()
	manager.Connect(token)

	for {
		list := overview.New(me.ID, a.client, d)
		result, err := tea.NewProgram(tui.NewPatients(list), tea.WithAltScreen()).Run()
		list.Unmount()
		if err != nil {
			return err
		}

		picked, ok := result.(tui.Patients)
		if !ok || picked.Selected() == 0 {
			return nil
		}
		if err := a.runChat(me, picked.Selected(), d, manager, token); err != nil {
			return err
		}
	}
}

func (a *app) serve() error {
	me, err := a.me()
	if err != nil {
		return err
	}

	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d := dispatch.New()
	manager, token, err := a.connect(d, registry)
	if err != nil {
		return err
	}
	defer manager.Disconnect()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := bridge.NewHub()
	go hub.Run(ctx)
	d.AddMessageListener(dispatch.Relay, hub.Relay)
	manager.OnStateChange(func(s ws.State) {
		hub.ConnectionChanged(s.String())
	})

	srv, err := bridge.New(bridge.Options{
		Self:       *me,
		Connection: manager,
		Registry:   d,
		Backend:    a.client,
		Hub:        hub,
		SendRate:   a.cfg.BridgeSendRate,
		Gatherer:   registry,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	server := &http.Server{
		Addr:              a.cfg.BridgeAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	manager.Connect(token)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting bridge on %s user_id=%d", a.cfg.BridgeAddr, me.ID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Package bridge exposes the chat core to a local UI process: a small REST
// API over the conversation and overview view models, and a WebSocket hub
// relaying inbound traffic.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/4xmen/hamdam/internal/conversation"
	"github.com/4xmen/hamdam/internal/models"
	"github.com/4xmen/hamdam/internal/overview"
	"github.com/4xmen/hamdam/internal/ws"
)

const (
	// TherapistConversation is the conversation id a patient uses.
	TherapistConversation = "therapist"

	defaultSendRate = "30-M"
	mountTimeout    = 30 * time.Second
)

var errUnknownConversation = errors.New("conversation not found")

type Connection interface {
	State() ws.State
	SendMessage(msg models.OutgoingMessage) error
}

// Backend is the REST surface the view models read from.
type Backend interface {
	conversation.TherapistSource
	conversation.PatientSource
	conversation.HistoryFetcher
	overview.Source
}

type Options struct {
	Self       models.User
	Connection Connection
	Registry   conversation.Registry
	Backend    Backend
	Hub        *Hub
	// SendRate is a limiter formatted rate such as "30-M".
	SendRate string
	Gatherer prometheus.Gatherer
}

type Server struct {
	opts    Options
	limiter *limiter.Limiter

	mu            sync.Mutex
	conversations map[string]*conversation.Model
	overview      *overview.Model
	overviewReady bool

	sendMu sync.Mutex
}

func New(opts Options) (*Server, error) {
	if opts.Connection == nil || opts.Registry == nil || opts.Backend == nil {
		return nil, errors.New("bridge: connection, registry and backend are required")
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.SendRate == "" {
		opts.SendRate = defaultSendRate
	}

	rate, err := limiter.NewRateFromFormatted(opts.SendRate)
	if err != nil {
		return nil, fmt.Errorf("invalid send rate %q: %w", opts.SendRate, err)
	}

	return &Server{
		opts:          opts,
		limiter:       limiter.New(memory.NewStore(), rate),
		conversations: make(map[string]*conversation.Model),
	}, nil
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(serverErrorLogger())
	router.Use(gin.Logger())
	router.Use(panicRecovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.GET("/connection", s.getConnection)
		api.GET("/conversations/:id", s.getConversation)
		api.POST("/conversations/:id/messages", rateLimitMiddleware(s.limiter), s.sendMessage)
		api.POST("/conversations/:id/toggle/:messageID", s.toggleMessage)
		api.DELETE("/conversations/:id", s.closeConversation)
		api.GET("/overview", s.getOverview)
	}

	router.GET("/ws", s.opts.Hub.HandleWebSocket)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": __("not found")})
	})

	return router
}

// Close unmounts every view model the bridge created.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, model := range s.conversations {
		model.Unmount()
		delete(s.conversations, id)
	}
	if s.overview != nil {
		s.overview.Unmount()
		s.overview = nil
		s.overviewReady = false
	}
}

func (s *Server) getConnection(c *gin.Context) {
	state := s.opts.Connection.State()
	c.JSON(http.StatusOK, gin.H{
		"state":     state.String(),
		"connected": state == ws.StateConnected,
	})
}

type conversationView struct {
	State        conversation.State `json:"state"`
	Counterparty *models.User       `json:"counterparty,omitempty"`
	Title        string             `json:"title,omitempty"`
	Notice       string             `json:"notice,omitempty"`
	Rows         []conversation.Row `json:"rows"`
	Connection   string             `json:"connection"`
}

func (s *Server) getConversation(c *gin.Context) {
	model, err := s.mount(c.Param("id"))
	if err != nil {
		s.conversationError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.view(model))
}

func (s *Server) view(model *conversation.Model) conversationView {
	v := conversationView{
		State:      model.State(),
		Rows:       model.Rows(),
		Connection: s.opts.Connection.State().String(),
	}
	if cp := model.Counterparty(); cp != nil {
		v.Counterparty = cp
		v.Title = cp.Title()
	}

	switch v.State {
	case conversation.Loading:
		v.Notice = __("Connecting...")
	case conversation.NoCounterparty:
		if s.opts.Self.IsTherapist {
			v.Notice = __("The user has not given permission to chat with them.")
		} else {
			v.Notice = __("No therapist assigned to you yet.")
		}
	case conversation.Failed:
		v.Notice = __("Could not load messages.")
	case conversation.Ready:
		if len(v.Rows) == 0 {
			v.Notice = __("No messages yet.")
		}
	}
	if v.Rows == nil {
		v.Rows = []conversation.Row{}
	}
	return v
}

type sendRequest struct {
	Content string `json:"content"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("message content required")})
		return
	}

	model, err := s.mount(c.Param("id"))
	if err != nil {
		s.conversationError(c, err)
		return
	}

	// input and send must not interleave between requests
	s.sendMu.Lock()
	model.SetInput(req.Content)
	sent := model.Send()
	s.sendMu.Unlock()

	c.JSON(http.StatusAccepted, gin.H{
		"sent":      sent,
		"connected": s.opts.Connection.State() == ws.StateConnected,
	})
}

func (s *Server) toggleMessage(c *gin.Context) {
	messageID, err := strconv.Atoi(c.Param("messageID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid message id")})
		return
	}

	s.mu.Lock()
	model, ok := s.conversations[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": __("conversation not found")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"expanded": model.Toggle(messageID)})
}

func (s *Server) closeConversation(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	model, ok := s.conversations[id]
	delete(s.conversations, id)
	s.mu.Unlock()

	if ok {
		model.Unmount()
	}
	c.Status(http.StatusNoContent)
}

type overviewItem struct {
	overview.Item
	When string `json:"when,omitempty"`
}

func (s *Server) getOverview(c *gin.Context) {
	if !s.opts.Self.IsTherapist {
		c.JSON(http.StatusNotFound, gin.H{"error": __("not found")})
		return
	}

	s.mu.Lock()
	if s.overview == nil {
		s.overview = overview.New(s.opts.Self.ID, s.opts.Backend, s.opts.Registry)
	}
	model, loaded := s.overview, s.overviewReady
	s.mu.Unlock()

	if !loaded {
		ctx, cancel := context.WithTimeout(context.Background(), mountTimeout)
		err := model.Load(ctx)
		cancel()
		if err != nil {
			log.Printf("bridge: overview load failed user_id=%d error=%v", s.opts.Self.ID, err)
			s.mu.Lock()
			if s.overview == model {
				model.Unmount()
				s.overview = nil
			}
			s.mu.Unlock()
			c.JSON(http.StatusBadGateway, gin.H{"error": __("failed to fetch patients")})
			return
		}
		s.mu.Lock()
		if s.overview == model {
			s.overviewReady = true
		}
		s.mu.Unlock()
	}

	items := model.Items()
	out := make([]overviewItem, 0, len(items))
	for _, item := range items {
		out = append(out, overviewItem{Item: item, When: item.When()})
	}

	resp := gin.H{"items": out}
	if len(out) == 0 {
		resp["notice"] = __("No patients yet.")
	}
	c.JSON(http.StatusOK, resp)
}

// mount returns the view model for id, creating and mounting it on first use.
func (s *Server) mount(id string) (*conversation.Model, error) {
	resolve, err := s.resolver(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	model, ok := s.conversations[id]
	if !ok {
		model = conversation.New(s.opts.Self.ID, resolve, s.opts.Backend, s.opts.Connection, s.opts.Registry)
		s.conversations[id] = model
	}
	s.mu.Unlock()

	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), mountTimeout)
		defer cancel()
		if err := model.Mount(ctx); err != nil {
			log.Printf("bridge: conversation mount finished with error id=%s error=%v", id, err)
		}
	}
	return model, nil
}

// resolver maps a conversation id to its counterparty lookup. Patients only
// have their therapist; therapists address patients by user id.
func (s *Server) resolver(id string) (conversation.Resolver, error) {
	if !s.opts.Self.IsTherapist {
		if id != TherapistConversation {
			return nil, errUnknownConversation
		}
		return conversation.TherapistResolver(s.opts.Backend), nil
	}

	patientID, err := strconv.Atoi(id)
	if err != nil || patientID <= 0 {
		return nil, errUnknownConversation
	}
	return conversation.PatientResolver(s.opts.Backend, patientID), nil
}

func (s *Server) conversationError(c *gin.Context, err error) {
	if errors.Is(err, errUnknownConversation) {
		c.JSON(http.StatusNotFound, gin.H{"error": __("conversation not found")})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": __("internal server error")})
}

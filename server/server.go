// Package server is the HTTP surface of a hearth node: the peer-facing
// contact endpoints, the owner-facing content and feed endpoints, and the
// wiring that assembles the replication engine underneath them.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/gorm"

	"github.com/hearth-social/hearth/activity"
	"github.com/hearth-social/hearth/contentstore"
	"github.com/hearth-social/hearth/delivery"
	"github.com/hearth-social/hearth/gate"
	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/pkg/robusthttp"
	"github.com/hearth-social/hearth/trust"
)

// serverListenerBootTimeout is how long to wait for the requested server
// socket to become available for use.
const serverListenerBootTimeout = 5 * time.Second

type Config struct {
	OwnerName string
	OwnerURL  string
	BlobDir   string

	DeliveryTimeout     time.Duration
	DeliveryWorkers     int
	ProfileForwardDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.BlobDir == "" {
		c.BlobDir = "data/hearth/blobs"
	}
	if c.DeliveryTimeout == 0 {
		c.DeliveryTimeout = 20 * time.Second
	}
	if c.DeliveryWorkers == 0 {
		c.DeliveryWorkers = 8
	}
	if c.ProfileForwardDelay == 0 {
		c.ProfileForwardDelay = 10 * time.Minute
	}
}

type Server struct {
	db    *gorm.DB
	store *contentstore.Store

	trustreg   *trust.Registry
	activities *activity.Log
	dispatcher *delivery.Dispatcher
	retrier    *delivery.RetryCoordinator
	gate       *gate.Gate
	forwarder  *delivery.ProfileForwarder

	// client used for the contact handshake pushes
	client *http.Client

	echo *echo.Echo
	log  *slog.Logger
}

func NewServer(db *gorm.DB, cfg Config) (*Server, error) {
	cfg.setDefaults()

	if err := db.AutoMigrate(&models.Owner{}); err != nil {
		return nil, err
	}

	store, err := contentstore.NewStore(db, cfg.BlobDir)
	if err != nil {
		return nil, err
	}

	trustreg, err := trust.NewRegistry(db)
	if err != nil {
		return nil, err
	}

	activities, err := activity.NewLog(db)
	if err != nil {
		return nil, err
	}

	client := robusthttp.NewPushClient(cfg.DeliveryTimeout)
	pusher := delivery.NewPusher(client)
	dispatcher := delivery.NewDispatcher(trustreg, activities, pusher, cfg.DeliveryWorkers)
	retrier := delivery.NewRetryCoordinator(trustreg, activities, pusher, store)

	s := &Server{
		db:         db,
		store:      store,
		trustreg:   trustreg,
		activities: activities,
		dispatcher: dispatcher,
		retrier:    retrier,
		gate:       gate.NewGate(trustreg, store, activities),
		client:     client,
		log:        slog.Default().With("system", "server"),
	}

	if _, err := s.loadOrCreateOwner(context.Background(), cfg.OwnerName, cfg.OwnerURL); err != nil {
		return nil, err
	}

	retrier.SetProfileSource(s.profileDoc)
	s.forwarder = delivery.NewProfileForwarder(dispatcher, s.profileDoc, cfg.ProfileForwardDelay)

	return s, nil
}

// loadOrCreateOwner bootstraps the single local user row. The stable key
// peers know this node by is generated on first boot and never changes.
func (s *Server) loadOrCreateOwner(ctx context.Context, name, url string) (*models.Owner, error) {
	var owner models.Owner
	err := s.db.WithContext(ctx).First(&owner).Error
	if err == nil {
		return &owner, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	owner = models.Owner{
		Key:  uuid.NewString(),
		Name: name,
		URL:  url,
	}
	if err := s.db.WithContext(ctx).Create(&owner).Error; err != nil {
		return nil, err
	}

	s.log.Info("owner created", "key", owner.Key, "name", owner.Name)
	return &owner, nil
}

func (s *Server) owner(ctx context.Context) (*models.Owner, error) {
	var owner models.Owner
	if err := s.db.WithContext(ctx).First(&owner).Error; err != nil {
		return nil, err
	}
	return &owner, nil
}

func (s *Server) profileDoc(ctx context.Context) (delivery.Deliverable, error) {
	owner, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	return &delivery.ProfileDoc{Owner: owner, UpdatedAt: owner.UpdatedAt}, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.forwarder.Stop()
	if s.echo == nil {
		return nil
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) RunAPI(addr string) error {
	var lc net.ListenConfig
	ctx, cancel := context.WithTimeout(context.Background(), serverListenerBootTimeout)
	defer cancel()

	li, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.RunAPIWithListener(li)
}

func (s *Server) RunAPIWithListener(listen net.Listener) error {
	e := echo.New()
	s.echo = e
	e.HideBanner = true

	e.Use(slogecho.New(s.log))
	e.Use(middleware.Recover())

	s.registerRoutes(e)

	// booting on a pre-opened listener lets tests use random ports
	e.Listener = listen
	srv := &http.Server{}
	return e.StartServer(srv)
}

func (s *Server) registerRoutes(e *echo.Echo) {
	// peer-facing content endpoints, one pair per kind
	for _, kind := range models.ContentKinds() {
		kind := kind
		e.POST("/"+kind.Route()+"/contact/", s.makeInboundCreateHandler(kind))
		e.PUT("/"+kind.Route()+"/contact/", s.makeInboundDeleteHandler(kind))

		// owner-facing content surface
		e.POST("/"+kind.Route()+"/", s.makeCreateHandler(kind))
		e.GET("/"+kind.Route()+"/", s.makeListHandler(kind, false))
		e.GET("/"+kind.Route()+"/mine/", s.makeListHandler(kind, true))
		e.GET("/"+kind.Route()+"/:id", s.handleGetItem)
		e.DELETE("/"+kind.Route()+"/:id", s.handleDeleteItem)
		e.GET("/"+kind.Route()+"/:id/attach/:name", s.handleGetAttachment)
	}

	// contact handshake and trust management
	e.POST("/contacts/", s.handleAddContact)
	e.GET("/contacts/", s.handleListContacts)
	e.GET("/contacts/trusted/", s.makeListContactsHandler(models.PeerStateTrusted))
	e.GET("/contacts/pending/", s.makeListContactsHandler(models.PeerStatePending))
	e.GET("/contacts/requested/", s.makeListContactsHandler(models.PeerStateRequested))
	e.POST("/contacts/request/", s.handleInboundContactRequest)
	e.POST("/contacts/confirm/", s.handleInboundContactConfirm)
	e.POST("/contacts/:key/accept/", s.handleAcceptContact)
	e.DELETE("/contacts/:key", s.handleRevokeContact)
	e.PUT("/contacts/update-profile/", s.handleInboundProfileUpdate)

	// owner profile
	e.GET("/user/", s.handleGetOwner)
	e.PUT("/user/", s.handleUpdateOwner)

	// activity feed and retries
	e.GET("/activities/", s.makeActivitiesHandler(activity.ScopeAll))
	e.GET("/activities/mine/", s.makeActivitiesHandler(activity.ScopeMine))
	e.POST("/activities/:id/retry/", s.handleRetry)

	e.GET("/_health", s.handleHealthCheck)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

type HealthStatus struct {
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	if err := s.db.Exec("SELECT 1").Error; err != nil {
		s.log.Error("healthcheck can't connect to database", "err", err)
		return c.JSON(500, HealthStatus{Status: "error", Message: "can't connect to database"})
	}
	return c.JSON(200, HealthStatus{Status: "ok"})
}

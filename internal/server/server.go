// Package server exposes the metering engine over HTTP.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditmeter/internal/burntable"
	burndomain "github.com/smallbiznis/creditmeter/internal/burntable/domain"
	"github.com/smallbiznis/creditmeter/internal/cache"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/costcatalog"
	costdomain "github.com/smallbiznis/creditmeter/internal/costcatalog/domain"
	"github.com/smallbiznis/creditmeter/internal/entitlement"
	entitlementdomain "github.com/smallbiznis/creditmeter/internal/entitlement/domain"
	"github.com/smallbiznis/creditmeter/internal/observability"
	obslogger "github.com/smallbiznis/creditmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditmeter/internal/observability/tracing"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
	"github.com/smallbiznis/creditmeter/internal/usage"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"github.com/smallbiznis/creditmeter/internal/usage/liveevents"
	"github.com/smallbiznis/creditmeter/internal/wallet"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	cache.Module,
	ratelimit.Module,
	costcatalog.Module,
	burntable.Module,
	entitlement.Module,
	wallet.Module,
	usage.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, obsMetrics *obsmetrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(metricsMiddleware(obsMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if obsMetrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			obsMetrics.Registry(),
			promhttp.HandlerOpts{},
		)))
	}

	return r
}

func registerGin(obsCfg observability.Config, obsMetrics *obsmetrics.Metrics) *gin.Engine {
	return NewEngine(obsCfg, obsMetrics)
}

func metricsMiddleware(obsMetrics *obsmetrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" || route == "/metrics" || route == "/healthz" {
			return
		}
		obsMetrics.RecordHTTPRequest(
			route,
			c.Request.Method,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start).Seconds(),
		)
	}
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger
	genID  *snowflake.Node

	costSvc        costdomain.Service
	burnSvc        burndomain.Service
	entitlementSvc entitlementdomain.Service
	walletSvc      walletdomain.Service
	usageSvc       usagedomain.Service
	usageLimiter   *ratelimit.UsageIngestLimiter
	liveEvents     *liveevents.Hub
	obsMetrics     *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	GenID          *snowflake.Node
	CostSvc        costdomain.Service
	BurnSvc        burndomain.Service
	EntitlementSvc entitlementdomain.Service
	WalletSvc      walletdomain.Service
	UsageSvc       usagedomain.Service
	UsageLimiter   *ratelimit.UsageIngestLimiter `optional:"true"`
	LiveEvents     *liveevents.Hub               `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics           `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		genID:          p.GenID,
		costSvc:        p.CostSvc,
		burnSvc:        p.BurnSvc,
		entitlementSvc: p.EntitlementSvc,
		walletSvc:      p.WalletSvc,
		usageSvc:       p.UsageSvc,
		usageLimiter:   p.UsageLimiter,
		liveEvents:     p.LiveEvents,
		obsMetrics:     p.ObsMetrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/usage", s.UsageIngestRateLimit(), s.IngestUsage)
	v1.GET("/usage", s.ListUsage)
	v1.GET("/usage/stream", s.StreamUsageEvents)

	wallets := v1.Group("/wallets")
	{
		wallets.POST("", s.GetOrCreateWallet)
		wallets.GET("/:id/balance", s.GetWalletBalance)
		wallets.POST("/:id/grant", s.GrantCredits)
		wallets.POST("/:id/refund", s.RefundCredits)
		wallets.POST("/:id/reserve", s.ReserveCredits)
	}

	reservations := v1.Group("/reservations")
	{
		reservations.POST("/:id/commit", s.CommitReservation)
		reservations.POST("/:id/release", s.ReleaseReservation)
	}

	admin := v1.Group("/admin")
	{
		admin.POST("/cost-entries", s.PublishCostEntry)
		admin.POST("/burn-tables", s.PublishBurnTable)
		admin.PUT("/entitlements", s.UpsertEntitlement)
	}
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

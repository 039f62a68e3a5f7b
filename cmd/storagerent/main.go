// Package main запускает HTTP-сервер и фоновые задачи сервиса аренды ячеек.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/storage-rental/internal/commission"
	"github.com/mmeshcher/storage-rental/internal/config"
	"github.com/mmeshcher/storage-rental/internal/contract"
	"github.com/mmeshcher/storage-rental/internal/events"
	"github.com/mmeshcher/storage-rental/internal/gateway"
	"github.com/mmeshcher/storage-rental/internal/handler"
	"github.com/mmeshcher/storage-rental/internal/invoicing"
	"github.com/mmeshcher/storage-rental/internal/middleware"
	"github.com/mmeshcher/storage-rental/internal/order"
	"github.com/mmeshcher/storage-rental/internal/repository"
	"github.com/mmeshcher/storage-rental/internal/repository/memory"
	"github.com/mmeshcher/storage-rental/internal/scheduler"
	"github.com/mmeshcher/storage-rental/internal/service"
	"github.com/mmeshcher/storage-rental/internal/storage"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var tx storage.Transactor
	if cfg.DatabaseURI != "" {
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		defer repo.Close()
		tx = repo
	} else {
		store := memory.New()
		sugar.Warnw("DATABASE_URI is not set, using in-memory storage with demo catalog", "units", memory.SeedDemo(store))
		tx = store
	}

	dispatchers := events.Multi{events.NewLogDispatcher(logger)}
	if cfg.AMQPURL != "" {
		amqpDispatcher, err := events.NewAMQPDispatcher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			sugar.Fatalw("amqp initialization error", "error", err.Error())
		}
		defer amqpDispatcher.Close()
		dispatchers = append(dispatchers, amqpDispatcher)
	}

	if cfg.PaymentGatewayAddress == "" {
		sugar.Warn("PAYMENT_GATEWAY_ADDRESS is not set, payments are disabled")
	}
	gw := gateway.NewClient(cfg.PaymentGatewayAddress, cfg.PaymentGatewayKey, cfg.HTTPClientTimeout)

	rate, err := cfg.CommissionRate()
	if err != nil {
		sugar.Fatalw("commission rate configuration error", "error", err.Error())
	}
	rates := commission.NewRateResolver(rate)
	billing := commission.NewSelfBilling(tx, rates, cfg.InvoicePrefix, logger)
	if cfg.InvoicingAddress != "" {
		billing.WithInvoicer(invoicing.NewClient(cfg.InvoicingAddress, cfg.InvoicingKey, cfg.HTTPClientTimeout), cfg.InvoicePDFDir)
	}

	svc := service.NewService(
		tx,
		order.NewService(tx, gw, logger, cfg.ReservationWindow).WithRates(rates),
		contract.NewService(tx, gw, contract.RetryPolicy{
			MaxAttempts: cfg.BillingMaxAttempts,
			Backoff:     cfg.BillingRetryBackoff,
		}, logger).WithRates(rates),
		billing,
		dispatchers,
		logger,
	)

	sched := scheduler.New(cfg.JobTimeout, logger)
	err = sched.Register(svc, scheduler.Specs{
		Expiry:      cfg.ExpiryCron,
		PaymentSync: cfg.PaymentSyncCron,
		Billing:     cfg.BillingCron,
		Settlement:  cfg.SettlementCron,
	})
	if err != nil {
		sugar.Fatalw("scheduler initialization error", "error", err.Error())
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret, cfg.AdminToken)
	h := handler.NewHandler(svc, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновые задачи: просрочка заказов, синхронизация платежей, списания и расчёты
	g.Go(func() error {
		sched.Start()
		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return sched.Stop(stopCtx)
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting storage rental server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

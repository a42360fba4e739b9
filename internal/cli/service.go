package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/printwatch/internal/api"
	"github.com/ChuLiYu/printwatch/internal/clock"
	"github.com/ChuLiYu/printwatch/internal/cloud"
	"github.com/ChuLiYu/printwatch/internal/config"
	"github.com/ChuLiYu/printwatch/internal/controller"
	"github.com/ChuLiYu/printwatch/internal/device"
	"github.com/ChuLiYu/printwatch/internal/feed"
	"github.com/ChuLiYu/printwatch/internal/metrics"
	"github.com/ChuLiYu/printwatch/internal/notify"
	"github.com/ChuLiYu/printwatch/internal/server"
	"github.com/ChuLiYu/printwatch/internal/snapshot"
	"github.com/ChuLiYu/printwatch/internal/store"
)

const shutdownTimeout = 10 * time.Second

// runService wires every component and blocks until ctx is done or the
// cloud session reports a fatal credential error.
func runService(ctx context.Context, opts *options, cmd *cobra.Command, logger *slog.Logger) error {
	// ========================================
	// 步驟 1：設定與儲存
	// ========================================
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	secrets, err := config.LoadSecrets(opts.envFile)
	if err != nil {
		return err
	}
	clk := clock.Real()

	st, err := store.Open(store.Config{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Clock:    clk,
		Quota:    store.NewQuotaPolicy(cfg.Quota.DefaultQuotaGrams, cfg.Quota.ExemptUsers, cfg.Quota.Period),
		Logger:   logger.With("component", "store"),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	logger.Info("Store opened", "path", cfg.Store.Path)

	// ========================================
	// 步驟 2：雲端登入
	// ========================================
	session := cloud.NewSession(cloud.Config{
		BaseURL:            cfg.Cloud.BaseURL,
		AuthURL:            cfg.Cloud.AuthURL,
		Email:              cfg.Cloud.Email,
		TokenFile:          cfg.Cloud.TokenFile,
		RefreshCheck:       cfg.RefreshCheck(),
		RefreshMargin:      cfg.RefreshMargin(),
		BackoffInitial:     cfg.BackoffInitial(),
		BackoffMax:         cfg.BackoffMax(),
		MaxRefreshFailures: cfg.Cloud.MaxRefreshFailures,
		RequestTimeout:     cfg.RequestTimeout(),
		TaskLimit:          cfg.Cloud.TaskLimit,
		UserAgent:          "printwatch/" + Version,
		Clock:              clk,
		Logger:             logger.With("component", "cloud"),
	})
	err = session.Login(ctx, cloud.Credentials{
		Password:     secrets.Password,
		Code:         secrets.Code,
		Token:        secrets.Token,
		RefreshToken: secrets.RefreshToken,
		Prompt:       promptCode(cmd.InOrStdin(), cmd.ErrOrStderr()),
	})
	if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	if err := session.Start(); err != nil {
		return err
	}
	defer session.Stop()
	logger.Info("Logged in to vendor cloud", "user", session.Username(), "expires_at", session.ExpiresAt())

	// ========================================
	// 步驟 3：協作者
	// ========================================
	collector := metrics.NewCollector(prometheus.NewRegistry())

	fleet := device.NewFleet(device.Config{
		Broker:         cfg.MQTT.Broker,
		ConnectTimeout: cfg.ConnectTimeout(),
		ClientIDPrefix: cfg.MQTT.ClientIDPrefix,
		Buffer:         cfg.Loop.TelemetryBuffer,
		Credentials:    session.MQTTCredentials,
		OnDrop:         collector.TelemetryDropped,
		Clock:          clk,
		Logger:         logger.With("component", "device"),
	})
	defer fleet.Stop()

	var auths controller.AuthorizationSource
	if cfg.Feed.SpreadsheetID != "" {
		source, err := feed.NewSheetsSource(ctx, feed.SheetsConfig{
			SpreadsheetID:   cfg.Feed.SpreadsheetID,
			SheetName:       cfg.Feed.SheetName,
			CredentialsFile: cfg.Feed.CredentialsFile,
			Endpoint:        cfg.Feed.Endpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to open authorization sheet: %w", err)
		}
		start, err := st.LastRow(ctx)
		if err != nil {
			return err
		}
		if start <= 0 {
			start = feed.HeaderRow
		}
		auths = feed.New(feed.Config{
			Source:          source,
			StartRow:        int64(start),
			TimestampLayout: cfg.Feed.TimestampLayout,
			Location:        cfg.Location(),
			EmailDomain:     cfg.Feed.EmailDomain,
			Logger:          logger.With("component", "feed"),
		})
		logger.Info("Authorization feed ready", "sheet", cfg.Feed.SheetName, "start_row", start)
	} else {
		logger.Warn("No authorization feed configured; every job will be canceled")
	}

	var notifier controller.Notifier = notify.Nop{}
	if cfg.Notify.AMQPURL != "" {
		pub, err := notify.Dial(cfg.Notify.AMQPURL, cfg.Notify.Exchange, cfg.Notify.RoutingKey, logger.With("component", "notify"))
		if err != nil {
			return err
		}
		defer pub.Close()
		notifier = pub
	}

	ctrl, err := controller.New(controller.Config{
		TickInterval:   cfg.TickInterval(),
		TickTimeout:    cfg.TickTimeout(),
		MatchingWindow: cfg.MatchingWindow(),
		Tolerance:      cfg.Tolerance(),
		GracePeriod:    cfg.GracePeriod(),
		StaleRetention: cfg.StaleRetention(),
		OfflineAfter:   cfg.OfflineAfter(),
		DeviceRefresh:  cfg.DeviceRefresh(),
		SnapshotEvery:  cfg.Snapshot.EveryTicks,
		Store:          st,
		Tasks:          session,
		Devices:        session,
		Authorizations: auths,
		Fleet:          fleet,
		Notifier:       notifier,
		Snapshots:      snapshot.NewManager(cfg.Snapshot.Path),
		Metrics:        collector,
		Clock:          clk,
		Logger:         logger.With("component", "controller"),
	})
	if err != nil {
		return err
	}

	// ========================================
	// 步驟 4：對外服務
	// ========================================
	errCh := make(chan error, 3)

	httpServers := []*http.Server{
		api.NewServer(cfg.API.Addr, api.SetupRouter(st, clk, logger.With("component", "api"))),
	}
	if cfg.Metrics.Enabled {
		httpServers = append(httpServers, collector.NewServer(cfg.Metrics.Port))
	}
	for _, srv := range httpServers {
		go func(srv *http.Server) {
			logger.Info("HTTP server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	lis, err := net.Listen("tcp", cfg.Admin.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Admin.Addr, err)
	}
	admin := server.New(server.Config{Store: st, Clock: clk, Logger: logger.With("component", "admin")})
	go func() {
		if err := admin.Serve(lis); err != nil {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	// ========================================
	// 步驟 5：主迴圈
	// ========================================
	if err := ctrl.Start(); err != nil {
		admin.Stop()
		shutdownHTTP(httpServers, logger)
		return err
	}
	logger.Info("printwatch running", "tick_interval", cfg.TickInterval(), "matching_window", cfg.MatchingWindow())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-session.Fatal():
		logger.Error("Cloud session failed", "error", err)
		runErr = err
	case err := <-errCh:
		logger.Error("Server failed", "error", err)
		runErr = err
	}

	// ========================================
	// 步驟 6：依序關閉
	// ========================================
	// Deferred calls then stop the fleet, the session, the notifier and
	// the store, in that order.
	ctrl.Stop()
	admin.Stop()
	shutdownHTTP(httpServers, logger)

	logger.Info("printwatch stopped")
	return runErr
}

func shutdownHTTP(servers []*http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("HTTP server shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
}

// promptCode asks for the emailed verification code on the terminal.
func promptCode(in io.Reader, out io.Writer) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		fmt.Fprint(out, "Verification code sent to your email: ")
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return "", fmt.Errorf("failed to read verification code: %w", err)
		}
		code := strings.TrimSpace(line)
		if code == "" {
			return "", errors.New("empty verification code")
		}
		return code, nil
	}
}

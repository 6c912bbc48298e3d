// Command staked wires the Ledger, Operation Registry, Stake/Unstake
// Orchestrators, and Emission Engine behind an HTTP ingress and a cron
// scheduler, following the teacher's cmd/synnergy/main.go pattern of a thin
// cobra root dispatching to small, explicit subcommands.
package main

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zoka-agari/high-stable/internal/config"
	"github.com/zoka-agari/high-stable/internal/domain"
	"github.com/zoka-agari/high-stable/internal/emission"
	"github.com/zoka-agari/high-stable/internal/ilpolicy"
	"github.com/zoka-agari/high-stable/internal/ledger"
	"github.com/zoka-agari/high-stable/internal/metrics"
	"github.com/zoka-agari/high-stable/internal/registry"
	"github.com/zoka-agari/high-stable/internal/stake"
	"github.com/zoka-agari/high-stable/internal/transport"
	"github.com/zoka-agari/high-stable/internal/unstake"
)

func main() {
	root := &cobra.Command{Use: "staked"}
	root.AddCommand(serveCmd())
	root.AddCommand(cleanupCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// engine bundles every component serveCmd and cleanupCmd need, built once
// from configuration.
type engine struct {
	cfg        *config.Config
	logger     *logrus.Logger
	led        *ledger.Ledger
	reg        *registry.Registry
	dispatcher *transport.Dispatcher
	emitter    *emission.Engine
}

func buildEngine(env string) (*engine, error) {
	cfg, err := config.Load(env)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})

	m := metrics.New()

	led, err := ledger.New(ledger.Config{
		WALPath:          cfg.Ledger.WALPath,
		SnapshotPath:     cfg.Ledger.SnapshotPath,
		SnapshotInterval: cfg.Ledger.SnapshotInterval,
	}, logger, m, cfg.AllowedTokenWeights, cfg.SpecialToken)
	if err != nil {
		return nil, err
	}

	reg := registry.New(led, logger, cfg.OperationTimeoutSeconds, nowSeconds)

	d := transport.NewDispatcher(logger)

	stakeOrch := stake.New(led, reg, logger, m, stake.Config{
		ExcessMultiplier: cfg.ExcessMultiplier,
		ExcessDivisor:    cfg.ExcessDivisor,
		AllowedTokens:    cfg.AllowedTokenSet(),
		MintPolicy:       cfg.MintPolicy,
		Treasury:         cfg.Treasury,
		Amm:              cfg.Amm,
	}, stake.FixedRatePolicy{}, nowSeconds, nil)
	stakeOrch.RegisterHandlers(d)

	unstakeOrch := unstake.New(led, reg, logger, m, unstake.Config{
		ProtocolFeePercentage: cfg.ProtocolFeePercentage,
		FeeDivisor:            cfg.FeeDivisor,
		AllowedTokens:         cfg.AllowedTokenSet(),
		Amm:                   cfg.Amm,
	}, ilpolicy.NewConstantProductPolicy(), nowSeconds, nil)
	unstakeOrch.RegisterHandlers(d)

	totalSupply, err := cfg.TotalSupplyAmount()
	if err != nil {
		return nil, domain.Wrap(err, "parse total supply")
	}
	specialToken, err := domain.TokenIDFromString(cfg.SpecialToken)
	if err != nil {
		return nil, domain.Wrap(err, "parse special token")
	}
	emitter := emission.New(led, logger, m, emission.Config{
		TotalSupply:  totalSupply,
		SpecialToken: specialToken,
		Treasury:     cfg.Treasury,
		MinIntervalS: cfg.MinDistributionIntervalSeconds,
		CronCaller:   cfg.CronCaller,
	}, nowSeconds)
	emitter.RegisterHandlers(d)

	d.Register("Cleanup", func(msg transport.Message, out *transport.Outbox) error {
		if msg.From != cfg.CronCaller && msg.From != "contract-owner" {
			return &domain.PolicyViolationError{Reason: "unauthorized cleanup caller"}
		}
		removed := reg.CleanStaleOperations()
		payload, _ := json.Marshal(map[string]any{"operationsRemoved": removed, "timestamp": nowSeconds()})
		out.Send(transport.OutMessage{Target: msg.From, Action: "Cleanup-Complete", Data: payload})
		return nil
	})

	return &engine{cfg: cfg, logger: logger, led: led, reg: reg, dispatcher: d, emitter: emitter}, nil
}

func nowSeconds() int64 { return time.Now().Unix() }

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the staking engine's HTTP ingress and cron scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(env)
			if err != nil {
				return err
			}
			defer eng.led.Close()

			c := cron.New()
			if _, err := c.AddFunc("@every 5m", func() {
				_, err := eng.dispatcher.Dispatch(transport.Message{
					Action: "Request-Rewards",
					From:   eng.cfg.CronCaller,
				})
				if err != nil {
					eng.logger.WithError(err).Warn("scheduled rewards tick failed")
				}
			}); err != nil {
				return domain.Wrap(err, "schedule rewards tick")
			}
			c.Start()
			defer c.Stop()

			r := mux.NewRouter()
			r.Use(loggingMiddleware(eng.logger))
			r.Use(recoveryMiddleware(eng.logger))
			r.HandleFunc("/messages", messageHandler(eng)).Methods("POST")
			r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }).Methods("GET")

			eng.logger.WithField("addr", eng.cfg.HTTP.ListenAddr).Info("staking engine listening")
			return http.ListenAndServe(eng.cfg.HTTP.ListenAddr, r)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment config overlay (e.g. production)")
	return cmd
}

// loggingMiddleware logs method, path, and duration for every request,
// generalizing the teacher's walletserver/middleware.Logger from a package
// logrus call to one bound to this engine's configured logger.
func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.WithFields(logrus.Fields{
				"method": r.Method, "path": r.RequestURI, "duration": time.Since(start),
			}).Info("handled request")
		})
	}
}

// recoveryMiddleware turns a panicking handler into a 500 instead of taking
// down the listener; the teacher's walletserver carries no equivalent since
// its handlers never reach into orchestrator state this deep.
func recoveryMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithField("panic", rec).Error("recovered from panic in request handler")
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func messageHandler(eng *engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg transport.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "malformed message", http.StatusBadRequest)
			return
		}
		msg.Timestamp = nowSeconds()

		outMessages, err := eng.dispatcher.Dispatch(msg)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"outbox": outMessages})
	}
}

func cleanupCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "sweep stale pending operations once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(env)
			if err != nil {
				return err
			}
			defer eng.led.Close()
			removed := eng.reg.CleanStaleOperations()
			eng.logger.WithField("removed", removed).Info("cleanup complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment config overlay (e.g. production)")
	return cmd
}

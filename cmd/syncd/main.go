package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backend/internal/client/dispatcher"
	"backend/internal/client/oplog"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// syncd is the client-side sync daemon: it owns the local operation log and
// drains it against the server on a fixed cadence. One instance per device.
func main() {
	if err := godotenv.Load("configs/.env"); err != nil {
		log.Println("No configs/.env file found or error loading it")
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	serverURL := os.Getenv("SYNC_SERVER_URL")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	logPath := os.Getenv("SYNC_OPLOG_PATH")
	if logPath == "" {
		logPath = "oplog.db"
	}

	employeeID, err := uuid.Parse(os.Getenv("SYNC_EMPLOYEE_ID"))
	if err != nil {
		logger.WithError(err).Fatal("SYNC_EMPLOYEE_ID must be a valid uuid")
	}
	token := os.Getenv("SYNC_TOKEN")
	if token == "" {
		logger.Fatal("SYNC_TOKEN is required")
	}

	cfg := dispatcher.DefaultConfig()
	if raw := os.Getenv("SYNC_INTERVAL"); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			logger.WithError(err).Fatal("invalid SYNC_INTERVAL")
		}
		cfg.Interval = interval
	}

	opLog, err := oplog.Open(logPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to open operation log")
	}
	defer opLog.Close()

	session := dispatcher.Session{EmployeeID: employeeID, Token: token}
	sender := dispatcher.NewHTTPSender(serverURL)
	d := dispatcher.New(opLog, sender, session, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"server":   serverURL,
		"oplog":    logPath,
		"interval": cfg.Interval.String(),
	}).Info("sync daemon started")

	d.Run(ctx)

	logger.Info("sync daemon stopped")
}

// Command client is a reference session client: it connects to the relay,
// joins a space, and logs roster changes, signals, and notifications.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"spacerelay/internal/config"
	"spacerelay/internal/event"
	"spacerelay/internal/logging"
	relayclient "spacerelay/internal/relay/client"
	"spacerelay/internal/session"
)

func main() {
	cfg := config.Load()
	log := logging.New("spacerelay-client", cfg.LogLevel)
	defer log.Sync()

	apiURL := getEnv("API_URL", "http://localhost:8080")
	token := os.Getenv("TOKEN")
	userID := os.Getenv("USER_ID")
	spaceID := os.Getenv("SPACE_ID")
	if token == "" || userID == "" {
		log.Fatal("TOKEN and USER_ID must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess := session.New(session.Config{
		SelfID:      userID,
		RelayURL:    wsURL(apiURL) + "/ws?token=" + token,
		Grant:       grantFunc(apiURL, token),
		InitialWait: cfg.ReconnectInitialWait,
		MaxWait:     cfg.ReconnectMaxWait,
		MaxAttempts: cfg.ReconnectMaxAttempts,
		OnSignal: func(sig event.SignalPayload) {
			log.Info("signal received",
				zap.String("call", sig.CallID), zap.String("from", sig.FromUserID),
				zap.String("type", sig.SignalType))
		},
		OnState: func(s relayclient.State) {
			log.Info("session state", zap.String("state", s.String()))
		},
		Logger: log,
	})
	defer sess.Close()

	if spaceID != "" {
		sess.JoinSpace(ctx, spaceID)
	}

	if err := sess.Run(ctx); err != nil {
		log.Fatal("session ended", zap.Error(err))
	}
}

// grantFunc calls the relay's authorization endpoint for each topic grant.
func grantFunc(apiURL, token string) relayclient.GrantFunc {
	httpClient := &http.Client{Timeout: 10 * time.Second}

	return func(ctx context.Context, connID, topicName string) (string, error) {
		body, err := json.Marshal(map[string]string{
			"connectionId": connID,
			"topicName":    topicName,
		})
		if err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/relay/auth", bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("authorization endpoint returned %d", resp.StatusCode)
		}

		var grant struct {
			Grant string `json:"grant"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
			return "", err
		}
		return grant.Grant, nil
	}
}

func wsURL(apiURL string) string {
	switch {
	case len(apiURL) > 8 && apiURL[:8] == "https://":
		return "wss://" + apiURL[8:]
	case len(apiURL) > 7 && apiURL[:7] == "http://":
		return "ws://" + apiURL[7:]
	default:
		return apiURL
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

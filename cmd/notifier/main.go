package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/skillswap/trade-engine/internal/messaging"
	"github.com/skillswap/trade-engine/internal/models"
)

// offlineEnvelope mirrors the payload published by the trade server when a
// message arrives for a recipient with no live connection.
type offlineEnvelope struct {
	UserID  string         `json:"user_id"`
	Message models.Message `json:"message"`
}

// The notifier worker consumes offline-recipient envelopes and hands them to
// the push/email notification backend. The delivery backend integration is
// environment-specific; this worker owns the queue consumption and logging.
func main() {
	log.Println("Starting notifier service...")

	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "trade-engine-notifier"

	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	err = natsClient.SubscribeOfflineNotify(func(userID string, data []byte) {
		var env offlineEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[notifier] failed to unmarshal envelope for user=%s: %v", userID, err)
			return
		}

		log.Printf("[notifier] offline message user=%s trade=%s from=%s type=%s",
			env.UserID, env.Message.TradeID, env.Message.Sender, env.Message.Type)
		// TODO: hand off to the push-notification provider once its
		// credentials are provisioned.
	})
	if err != nil {
		log.Fatalf("failed to subscribe to offline notifications: %v", err)
	}

	log.Printf("notifier service running")
	log.Printf("  nats_url: %s", natsConfig.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
}

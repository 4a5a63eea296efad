package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rollcall/internal/config"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

// Worker consumes committed-record and session-summary notifications and
// relays them to the audit log. Anything downstream of the commit path
// (mail, registrar sync) hangs off this loop rather than the write path.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:notify")
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		switch msg.Type {
		case "record.created":
			var rec struct {
				ID         string `json:"id"`
				SessionID  string `json:"session_id"`
				StudentKey string `json:"student_key"`
				Method     string `json:"method"`
			}
			if err := json.Unmarshal(msg.Body, &rec); err != nil {
				log.Printf("bad record.created payload: %v", err)
				continue
			}
			log.Printf("audit: record %s session=%s student=%s method=%s", rec.ID, rec.SessionID, rec.StudentKey, rec.Method)

		case "session.completed":
			var evt struct {
				Session struct {
					ID         string `json:"id"`
					CourseCode string `json:"course_code"`
					Status     string `json:"status"`
				} `json:"session"`
				Summary struct {
					TotalRecorded int `json:"total_recorded"`
					Confirmed     int `json:"confirmed"`
				} `json:"summary"`
			}
			if err := json.Unmarshal(msg.Body, &evt); err != nil {
				log.Printf("bad session.completed payload: %v", err)
				continue
			}
			log.Printf("audit: session %s (%s) %s total=%d confirmed=%d",
				evt.Session.ID, evt.Session.CourseCode, evt.Session.Status,
				evt.Summary.TotalRecorded, evt.Summary.Confirmed)

		default:
			log.Printf("ignoring message type %q", msg.Type)
		}
	}

	log.Println("worker stopped")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/conf"
	"github.com/tableside/staff-bridge/internal/data"
)

func main() {
	_ = godotenv.Load()
	cfg := conf.LoadFromEnv()

	if cfg.Backend.BaseURL == "" || (cfg.Backend.Token == "" && cfg.Backend.TokenFile == "") {
		fmt.Println("Error: BACKEND_BASE_URL and BACKEND_TOKEN (or BACKEND_TOKEN_FILE) must be set")
		os.Exit(1)
	}

	if len(os.Args) < 3 {
		fmt.Println("Usage: send-response <notification_id> <message>")
		os.Exit(1)
	}

	id := os.Args[1]
	text := strings.Join(os.Args[2:], " ")

	client, err := data.NewBackendClient(data.BackendConfig{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout,
	}, cfg.Backend.TokenProvider(), nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	staff := cfg.Staff.Identity()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = client.Respond(ctx, id, domain.ResponseRequest{
		ResponseText: text,
		StaffID:      staff.ID,
		StaffName:    staff.Name,
	})
	if err != nil {
		var sendErr *domain.ResponseSendError
		if errors.As(err, &sendErr) && sendErr.StatusCode != 0 {
			fmt.Printf("Error: backend answered %d: %v\n", sendErr.StatusCode, err)
		} else {
			fmt.Printf("Error: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Println("Response sent successfully!")
}

// Command feedwatch connects to the live post feed of a running server and
// prints what arrives. With -clients above one it load-tests the feed
// instead and prints connection and message counts at the end.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// Metrics tracks a load run.
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	MessagesReceived     int64
	Errors               int64
}

func main() {
	host := flag.String("host", "localhost:8375", "API server host")
	secure := flag.Bool("tls", false, "use https and wss")
	apiKey := flag.String("apikey", os.Getenv("FIREFRAME_ANON_KEY"), "project API key")
	token := flag.String("token", "", "access token; anonymous when empty")
	email := flag.String("email", "", "sign in with this email to get a token")
	password := flag.String("password", os.Getenv("FIREFRAME_PASSWORD"), "password for -email")
	filter := flag.String("filter", "", "row filter such as author_username=eq.ada")
	raw := flag.Bool("raw", false, "print messages as received")
	clients := flag.Int("clients", 1, "number of concurrent connections")
	duration := flag.Duration("duration", 0, "stop after this long; 0 runs until interrupted")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if *token == "" && *email != "" {
		t, err := login(ctx, baseURL(*host, *secure), *apiKey, *email, *password)
		if err != nil {
			log.Fatalf("Login failed: %v", err)
		}
		*token = t
	}

	target := feedURL(*host, *secure, *apiKey, *token, *filter)

	if *clients <= 1 {
		err := watch(ctx, websocket.DefaultDialer, target, func(msg []byte) error {
			if *raw {
				_, err := fmt.Fprintln(os.Stdout, string(msg))
				return err
			}
			return describe(os.Stdout, msg)
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			log.Fatalf("Feed closed: %v", err)
		}
		return
	}

	log.Printf("Load test: %d clients against %s", *clients, *host)
	var (
		m  Metrics
		wg sync.WaitGroup
	)
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			atomic.AddInt64(&m.ConnectionsAttempted, 1)
			connected := false
			err := watch(ctx, websocket.DefaultDialer, target, func([]byte) error {
				if !connected {
					connected = true
					atomic.AddInt64(&m.ConnectionsSuccess, 1)
				}
				atomic.AddInt64(&m.MessagesReceived, 1)
				return nil
			})
			if !connected {
				atomic.AddInt64(&m.ConnectionsFailed, 1)
			}
			if err != nil && ctx.Err() == nil {
				atomic.AddInt64(&m.Errors, 1)
			}
		}()
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()
	printMetrics(os.Stdout, &m)
}

func baseURL(host string, secure bool) string {
	if secure {
		return "https://" + host
	}
	return "http://" + host
}

// feedURL builds the websocket address of the feed endpoint.
func feedURL(host string, secure bool, apiKey, token, filter string) string {
	u := url.URL{Scheme: "ws", Host: host, Path: "/api/ws/feed"}
	if secure {
		u.Scheme = "wss"
	}
	q := url.Values{}
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	if token != "" {
		q.Set("token", token)
	}
	if filter != "" {
		q.Set("filter", filter)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func login(ctx context.Context, base, apiKey, email, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", apiKey)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed with status %d", resp.StatusCode)
	}
	var result struct {
		Session struct {
			AccessToken string `json:"access_token"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Session.AccessToken == "" {
		return "", errors.New("login response carried no access token")
	}
	return result.Session.AccessToken, nil
}

// watch reads messages from target until ctx ends, the server closes the
// connection or handle fails.
func watch(ctx context.Context, dialer *websocket.Dialer, target string, handle func([]byte) error) error {
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			return fmt.Errorf("dial %s: %s %s", target, resp.Status, bytes.TrimSpace(detail))
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := handle(msg); err != nil {
			_ = conn.Close()
			return err
		}
	}
}

type feedMessage struct {
	Type    string `json:"type"`
	Posts   []post `json:"posts"`
	Error   string `json:"error"`
	Payload struct {
		EventType string          `json:"eventType"`
		Table     string          `json:"table"`
		New       json.RawMessage `json:"new"`
		Old       json.RawMessage `json:"old"`
	} `json:"payload"`
}

type post struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
	Author  struct {
		Username string `json:"username"`
	} `json:"author"`
}

type postRow struct {
	ID             string `json:"id"`
	AuthorUsername string `json:"author_username"`
	Caption        string `json:"caption"`
}

// describe prints a one-line summary of a feed message.
func describe(w io.Writer, raw []byte) error {
	var msg feedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		_, err = fmt.Fprintf(w, "? %s\n", raw)
		return err
	}
	now := time.Now().Format(time.TimeOnly)
	switch {
	case msg.Error != "":
		_, err := fmt.Fprintf(w, "%s  error    %s\n", now, msg.Error)
		return err
	case msg.Type == "INITIAL_LOAD":
		if _, err := fmt.Fprintf(w, "%s  loaded   %d posts\n", now, len(msg.Posts)); err != nil {
			return err
		}
		for _, p := range msg.Posts {
			if _, err := fmt.Fprintf(w, "          %s  @%s  %s\n", p.ID, p.Author.Username, p.Caption); err != nil {
				return err
			}
		}
		return nil
	case msg.Type == "REALTIME_UPDATE":
		var row postRow
		src := msg.Payload.New
		if len(src) == 0 || string(src) == "null" || string(src) == "{}" {
			src = msg.Payload.Old
		}
		_ = json.Unmarshal(src, &row)
		_, err := fmt.Fprintf(w, "%s  %-7s  %s  @%s  %s\n", now, msg.Payload.EventType, row.ID, row.AuthorUsername, row.Caption)
		return err
	default:
		_, err := fmt.Fprintf(w, "%s  %s\n", now, raw)
		return err
	}
}

func printMetrics(w io.Writer, m *Metrics) {
	fmt.Fprintln(w, "Feed load test results")
	fmt.Fprintf(w, "  connections attempted: %d\n", atomic.LoadInt64(&m.ConnectionsAttempted))
	fmt.Fprintf(w, "  connections succeeded: %d\n", atomic.LoadInt64(&m.ConnectionsSuccess))
	fmt.Fprintf(w, "  connections failed:    %d\n", atomic.LoadInt64(&m.ConnectionsFailed))
	fmt.Fprintf(w, "  messages received:     %d\n", atomic.LoadInt64(&m.MessagesReceived))
	fmt.Fprintf(w, "  errors:                %d\n", atomic.LoadInt64(&m.Errors))
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
)

type options struct {
	baseURL        string
	prefix         string
	participants   int
	turns          int
	interTurnDelay time.Duration
	timeout        time.Duration
	texts          []string
	verbose        bool
}

type admitRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

type admitResponse struct {
	Activated  bool `json:"activated"`
	Waitlisted bool `json:"waitlisted"`
}

type turnRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	AI       string `json:"ai"`
	User     string `json:"user"`
}

type turnResponse struct {
	Status    string `json:"status"`
	TurnCount int    `json:"turn_count"`
	HandedOff bool   `json:"handed_off"`
}

type wsEvent struct {
	Type          string         `json:"type"`
	ParticipantID string         `json:"participant_id"`
	Data          map[string]any `json:"data"`
}

type outcome struct {
	participantID string
	status        string
	label         string
	elapsed       time.Duration
}

var defaultUtterances = []string{
	"I spend most weekends helping friends move or fixing their bikes.",
	"I like knowing how things work, so I read manuals for fun.",
	"Deadlines energize me and I keep score of everything.",
	"I would rather keep the peace than win an argument.",
}

func main() {
	cfg, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "traitreplay: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	outcomes, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "traitreplay: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, outcomes)
}

func parseOptions(args []string) (options, error) {
	var cfg options
	var textsRaw string
	fs := pflag.NewFlagSet("traitreplay", pflag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "traitscout base URL")
	fs.StringVar(&cfg.prefix, "prefix", "replay", "participant id prefix")
	fs.IntVar(&cfg.participants, "participants", 3, "synthetic participants to drive")
	fs.IntVar(&cfg.turns, "turns", 10, "turns per participant; match the server threshold")
	fs.DurationVar(&cfg.interTurnDelay, "inter-turn", 50*time.Millisecond, "delay between turns")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Minute, "overall replay timeout")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.participants <= 0 {
		return options{}, fmt.Errorf("participants must be > 0")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.timeout < time.Second {
		cfg.timeout = time.Second
	}
	if cfg.interTurnDelay < 0 {
		cfg.interTurnDelay = 0
	}

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

// run admits every participant, drives the active ones through their turns
// and drives waitlisted ones once they are promoted. It returns when every
// participant has an analysis outcome.
func run(ctx context.Context, cfg options, out io.Writer) ([]outcome, error) {
	if !cfg.verbose {
		out = io.Discard
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}

	wsURL, err := eventsURL(cfg.baseURL)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	eventCh := make(chan wsEvent, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, eventCh, readErrCh)

	ids := make([]string, cfg.participants)
	started := make(map[string]time.Time, cfg.participants)
	var wg sync.WaitGroup
	driveErrCh := make(chan error, cfg.participants)
	drive := func(id string) {
		started[id] = time.Now()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := driveTurns(ctx, httpClient, cfg, id, out); err != nil {
				driveErrCh <- fmt.Errorf("participant %s: %w", id, err)
			}
		}()
	}

	for i := range ids {
		id := fmt.Sprintf("%s-%d", cfg.prefix, i+1)
		ids[i] = id
		adm, err := admit(ctx, httpClient, cfg.baseURL, id)
		if err != nil {
			return nil, fmt.Errorf("admit %s: %w", id, err)
		}
		fmt.Fprintf(out, "traitreplay: admitted %s activated=%t waitlisted=%t\n", id, adm.Activated, adm.Waitlisted)
		if adm.Activated {
			drive(id)
		}
	}
	defer wg.Wait()

	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	var outcomes []outcome
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return outcomes, fmt.Errorf("waiting for %d analysis outcome(s): %w", len(pending), ctx.Err())
		case err := <-readErrCh:
			return outcomes, fmt.Errorf("ws read: %w", err)
		case err := <-driveErrCh:
			return outcomes, err
		case e := <-eventCh:
			switch e.Type {
			case "participant_promoted":
				if pending[e.ParticipantID] {
					if _, ok := started[e.ParticipantID]; !ok {
						fmt.Fprintf(out, "traitreplay: %s promoted\n", e.ParticipantID)
						drive(e.ParticipantID)
					}
				}
			case "participant_classified", "analysis_failed":
				if !pending[e.ParticipantID] {
					continue
				}
				delete(pending, e.ParticipantID)
				o := outcome{
					participantID: e.ParticipantID,
					status:        stringField(e.Data, "status"),
					label:         stringField(e.Data, "label"),
					elapsed:       time.Since(started[e.ParticipantID]),
				}
				outcomes = append(outcomes, o)
				fmt.Fprintf(out, "traitreplay: %s %s label=%s after %s\n", o.participantID, o.status, o.label, o.elapsed.Round(time.Millisecond))
			}
		}
	}
	return outcomes, nil
}

func driveTurns(ctx context.Context, client *http.Client, cfg options, id string, out io.Writer) error {
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		res, err := sendTurn(ctx, client, cfg.baseURL, turnRequest{
			UserID:   id,
			UserName: id,
			AI:       fmt.Sprintf("question %d", i+1),
			User:     text,
		})
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		fmt.Fprintf(out, "traitreplay: %s turn %d/%d status=%s\n", id, i+1, cfg.turns, res.Status)
		if res.Status == "cycle_complete" || res.HandedOff {
			return nil
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.interTurnDelay):
			}
		}
	}
	return nil
}

func admit(ctx context.Context, client *http.Client, baseURL, id string) (admitResponse, error) {
	var out admitResponse
	err := postJSON(ctx, client, baseURL+"/v1/events/admit", admitRequest{UserID: id, UserName: id}, &out)
	return out, err
}

func sendTurn(ctx context.Context, client *http.Client, baseURL string, req turnRequest) (turnResponse, error) {
	var out turnResponse
	err := postJSON(ctx, client, baseURL+"/v1/events/turn", req, &out)
	return out, err
}

func postJSON(ctx context.Context, client *http.Client, target string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func readLoop(conn *websocket.Conn, eventCh chan<- wsEvent, errCh chan<- error) {
	for {
		var e wsEvent
		if err := conn.ReadJSON(&e); err != nil {
			errCh <- err
			return
		}
		eventCh <- e
	}
}

func eventsURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events/ws"
	return u.String(), nil
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func printSummary(w io.Writer, outcomes []outcome) {
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].participantID < outcomes[j].participantID })
	labels := map[string]int{}
	for _, o := range outcomes {
		if o.status == "done" && o.label != "" && o.label != "undetermined" {
			labels[o.label]++
		}
	}
	fmt.Fprintf(w, "traitreplay: %d outcome(s)\n", len(outcomes))
	for _, o := range outcomes {
		fmt.Fprintf(w, "  %-20s %-8s %-16s %s\n", o.participantID, o.status, o.label, o.elapsed.Round(time.Millisecond))
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  label %s: %d\n", k, labels[k])
	}
}

// Package discord connects the conversation pipeline to a Discord guild:
// new members are admitted, their messages in the welcome channel become
// turns, and slash commands expose the trait registry.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/ent0n29/traitscout/internal/conversation"
	"github.com/ent0n29/traitscout/internal/coordinator"
	"github.com/ent0n29/traitscout/internal/events"
	"github.com/ent0n29/traitscout/internal/observability"
	"github.com/ent0n29/traitscout/internal/oracle"
	"github.com/ent0n29/traitscout/internal/reliability"
	"github.com/ent0n29/traitscout/internal/session"
	"github.com/ent0n29/traitscout/internal/traits"
)

const (
	defaultResponderTimeout = 30 * time.Second
	maxMessageLen           = 2000

	replyAttempts    = 3
	replyBackoffBase = 250 * time.Millisecond
	replyBackoffCap  = 2 * time.Second

	thinkingText = "Thinking~~~"
	fallbackText = "Something went wrong."
	emptyText    = "Please enter some content and try again."
)

// Coordinator is the part of *coordinator.Coordinator the bot drives.
type Coordinator interface {
	OnParticipantAdmitted(id, name string) session.Admission
	OnTurnReceived(id, name, responderText, participantText string) (coordinator.TurnResult, error)
	CycleComplete(id string) bool
	Participant(id string) (session.Participant, error)
	Threshold() int
}

// Transcripts supplies chat history for the responder.
type Transcripts interface {
	Snapshot(id string) conversation.Transcript
}

type Config struct {
	Token            string
	WelcomeChannelID string
	GuildID          string
	ResponderModel   string
	ResponderTimeout time.Duration
}

type Deps struct {
	Coordinator Coordinator
	Transcripts Transcripts
	Responder   oracle.Responder
	Registry    *traits.Registry
	Definitions traits.Definitions
	Metrics     *observability.Metrics
}

type Bot struct {
	cfg    Config
	deps   Deps
	logger *log.Logger

	mu      sync.Mutex
	session *discordgo.Session
	sender  Sender
	selfID  string
	closed  bool
	pending sync.WaitGroup
}

func NewBot(cfg Config, deps Deps, logger *log.Logger) (*Bot, error) {
	switch {
	case deps.Coordinator == nil:
		return nil, errors.New("discord: coordinator is required")
	case deps.Responder == nil:
		return nil, errors.New("discord: responder is required")
	case deps.Registry == nil:
		return nil, errors.New("discord: trait registry is required")
	}
	if deps.Transcripts == nil {
		deps.Transcripts = emptyTranscripts{}
	}
	if cfg.ResponderTimeout <= 0 {
		cfg.ResponderTimeout = defaultResponderTimeout
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Bot{cfg: cfg, deps: deps, logger: logger}, nil
}

// Start opens the gateway session and registers slash commands.
func (b *Bot) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	token := normalizeBotToken(b.cfg.Token)
	if token == "" {
		return fmt.Errorf("discord bot token is empty")
	}

	b.mu.Lock()
	if b.session != nil {
		b.mu.Unlock()
		return fmt.Errorf("discord bot already started")
	}
	b.mu.Unlock()

	s, err := discordgo.New(token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	s.AddHandler(b.handleMemberAdd)
	s.AddHandler(b.handleMessage)
	s.AddHandler(b.handleInteraction)

	if err := s.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	selfID := ""
	if s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}
	b.mu.Lock()
	b.session = s
	b.sender = sessionSender{s: s}
	b.selfID = selfID
	b.mu.Unlock()

	if selfID != "" {
		if _, err := s.ApplicationCommandBulkOverwrite(selfID, b.cfg.GuildID, b.commandDefinitions()); err != nil {
			b.logger.Printf("warning: register slash commands: %v", err)
		}
	}

	b.logger.Printf("discord bot started user=%s welcome_channel=%s", selfID, b.cfg.WelcomeChannelID)
	return nil
}

// Stop closes the gateway session and waits for queued notifications.
func (b *Bot) Stop() error {
	b.mu.Lock()
	s := b.session
	b.session = nil
	b.closed = true
	b.mu.Unlock()

	b.pending.Wait()

	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	b.logger.Printf("discord bot stopped")
	return nil
}

// Publish pings participants promoted off the waitlist. It never blocks.
func (b *Bot) Publish(e events.Event) {
	if e.Type != events.ParticipantPromoted || b.cfg.WelcomeChannelID == "" {
		return
	}
	b.mu.Lock()
	sender := b.sender
	closed := b.closed
	if sender == nil || closed {
		b.mu.Unlock()
		return
	}
	b.pending.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.pending.Done()
		text := fmt.Sprintf("<@%s> a chat slot just opened up. Say hi here whenever you're ready; we'll talk %d times.",
			e.ParticipantID, b.deps.Coordinator.Threshold())
		if _, err := sender.SendMessage(b.cfg.WelcomeChannelID, text); err != nil {
			b.logger.Printf("warning: promotion notice for %s: %v", e.ParticipantID, err)
		}
	}()
}

func (b *Bot) handleMemberAdd(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m == nil || m.Member == nil || m.User == nil || m.User.Bot {
		return
	}
	if b.cfg.GuildID != "" && m.GuildID != "" && m.GuildID != b.cfg.GuildID {
		return
	}
	user := m.User
	adm := b.deps.Coordinator.OnParticipantAdmitted(user.ID, displayName(user))
	if adm.AlreadyAdmitted || b.cfg.WelcomeChannelID == "" {
		return
	}

	var text string
	if adm.Waitlisted {
		text = fmt.Sprintf("<@%s> welcome! I'm chatting with other members right now. I'll ping you here when it's your turn.", user.ID)
	} else {
		text = fmt.Sprintf("<@%s> welcome! Chat with me here %d times and tell me about your interests, hobbies and the kind of person you are.",
			user.ID, b.deps.Coordinator.Threshold())
	}
	if _, err := b.currentSender().SendMessage(b.cfg.WelcomeChannelID, text); err != nil {
		b.logger.Printf("warning: welcome message for %s: %v", user.ID, err)
	}
}

func (b *Bot) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	selfID := b.currentSelfID()
	if selfID != "" && m.Author.ID == selfID {
		return
	}
	if b.cfg.WelcomeChannelID != "" && m.ChannelID != b.cfg.WelcomeChannelID {
		return
	}

	id := m.Author.ID
	p, err := b.deps.Coordinator.Participant(id)
	if err != nil || !p.Active {
		return
	}
	sender := b.currentSender()
	threshold := b.deps.Coordinator.Threshold()

	if b.deps.Coordinator.CycleComplete(id) {
		b.reply(sender, m, cycleCompleteText(threshold))
		return
	}

	input := stripMention(m.Content, selfID)
	if input == "" {
		b.reply(sender, m, emptyText)
		return
	}

	thinkingID, err := sender.Reply(m.ChannelID, m.ID, thinkingText)
	if err != nil {
		b.logger.Printf("warning: thinking message for %s: %v", id, err)
	}

	remaining := max(threshold-p.TurnCount-1, 0)
	answer := b.generateReply(id, input, remaining)

	res, err := b.deps.Coordinator.OnTurnReceived(id, displayName(m.Author), answer, input)
	switch {
	case err == nil && !res.Recorded:
		// Another message crossed the threshold while this reply was generated.
		b.deliver(sender, m, thinkingID, cycleCompleteText(threshold))
		return
	case err == nil:
		remaining = res.Remaining
	case errors.Is(err, conversation.ErrStatusNotAppendable):
		b.logger.Printf("turn from %s not recorded: %v", id, err)
		b.deliver(sender, m, thinkingID, cycleCompleteText(threshold))
		return
	default:
		b.logger.Printf("warning: record turn for %s: %v", id, err)
	}

	text := answer
	if answer != fallbackText {
		text = formatAnswer(answer, b.cfg.ResponderModel, remaining)
	}
	b.deliver(sender, m, thinkingID, text)
}

func cycleCompleteText(threshold int) string {
	return fmt.Sprintf("You've finished %d turns; analysis will follow.", threshold)
}

func (b *Bot) generateReply(id, input string, remaining int) string {
	history := historyOf(b.deps.Transcripts.Snapshot(id))
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ResponderTimeout)
	defer cancel()

	req := oracle.ReplyRequest{
		ParticipantID: id,
		History:       history,
		Input:         input,
		Remaining:     remaining,
	}
	started := time.Now()
	resp, err := b.replyWithRetry(ctx, req)
	b.deps.Metrics.ObserveStage(observability.StageResponderReply, time.Since(started))
	if err != nil {
		b.logger.Printf("warning: responder reply for %s: %v", id, err)
		return fallbackText
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return fallbackText
	}
	return text
}

func (b *Bot) replyWithRetry(ctx context.Context, req oracle.ReplyRequest) (oracle.ReplyResponse, error) {
	var (
		resp oracle.ReplyResponse
		err  error
	)
	for attempt := 0; attempt < replyAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, replyBackoffBase, replyBackoffCap)
			select {
			case <-ctx.Done():
				return resp, err
			case <-time.After(wait):
			}
		}
		resp, err = b.deps.Responder.Reply(ctx, req)
		if err == nil || !oracle.IsRetryable(err) || ctx.Err() != nil {
			return resp, err
		}
		b.logger.Printf("responder reply for %s failed (attempt %d): %v", req.ParticipantID, attempt+1, err)
	}
	return resp, err
}

// deliver replaces the thinking message with the first chunk and sends the
// rest as follow-ups.
func (b *Bot) deliver(sender Sender, m *discordgo.MessageCreate, thinkingID, text string) {
	chunks := splitMessage(text, maxMessageLen)
	for i, chunk := range chunks {
		var err error
		if i == 0 && thinkingID != "" {
			err = sender.EditMessage(m.ChannelID, thinkingID, chunk)
		} else if i == 0 {
			_, err = sender.Reply(m.ChannelID, m.ID, chunk)
		} else {
			_, err = sender.SendMessage(m.ChannelID, chunk)
		}
		if err != nil {
			b.logger.Printf("warning: deliver reply to %s: %v", m.Author.ID, err)
			return
		}
	}
}

func (b *Bot) reply(sender Sender, m *discordgo.MessageCreate, text string) {
	if _, err := sender.Reply(m.ChannelID, m.ID, text); err != nil {
		b.logger.Printf("warning: reply to %s: %v", m.Author.ID, err)
	}
}

func (b *Bot) currentSender() Sender {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sender == nil {
		return nopSender{}
	}
	return b.sender
}

func (b *Bot) currentSelfID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selfID
}

func historyOf(t conversation.Transcript) []oracle.Message {
	out := make([]oracle.Message, 0, len(t.Turns)*2)
	for _, turn := range t.Turns {
		out = append(out,
			oracle.Message{Role: "user", Content: turn.Participant},
			oracle.Message{Role: "assistant", Content: turn.Responder},
		)
	}
	return out
}

func formatAnswer(answer, model string, remaining int) string {
	var sb strings.Builder
	sb.WriteString(answer)
	sb.WriteString("\n\n")
	if model != "" {
		sb.WriteString("model: ")
		sb.WriteString(model)
		sb.WriteString(" | ")
	}
	fmt.Fprintf(&sb, "remaining: %d", remaining)
	return sb.String()
}

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

func stripMention(content, selfID string) string {
	if selfID != "" {
		content = mentionPattern.ReplaceAllStringFunc(content, func(tok string) string {
			if mentionPattern.FindStringSubmatch(tok)[1] == selfID {
				return ""
			}
			return tok
		})
	}
	return strings.TrimSpace(content)
}

func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}
	var out []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

func displayName(u *discordgo.User) string {
	if u == nil {
		return ""
	}
	if strings.TrimSpace(u.GlobalName) != "" {
		return u.GlobalName
	}
	return u.Username
}

func normalizeBotToken(raw string) string {
	token := strings.TrimSpace(raw)
	if token == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}

type emptyTranscripts struct{}

func (emptyTranscripts) Snapshot(string) conversation.Transcript { return conversation.Transcript{} }

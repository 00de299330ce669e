package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/ent0n29/traitscout/internal/conversation"
	"github.com/ent0n29/traitscout/internal/coordinator"
	"github.com/ent0n29/traitscout/internal/docstore"
	"github.com/ent0n29/traitscout/internal/events"
	"github.com/ent0n29/traitscout/internal/oracle"
	"github.com/ent0n29/traitscout/internal/session"
	"github.com/ent0n29/traitscout/internal/traits"
)

type sentMessage struct {
	kind      string
	channelID string
	targetID  string
	content   string
}

type fakeSender struct {
	mu        sync.Mutex
	sent      []sentMessage
	responses []*discordgo.InteractionResponseData
}

func (f *fakeSender) SendMessage(channelID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{kind: "send", channelID: channelID, content: content})
	return "m" + string(rune('0'+len(f.sent))), nil
}

func (f *fakeSender) Reply(channelID, messageID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{kind: "reply", channelID: channelID, targetID: messageID, content: content})
	return "thinking-1", nil
}

func (f *fakeSender) EditMessage(channelID, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{kind: "edit", channelID: channelID, targetID: messageID, content: content})
	return nil
}

func (f *fakeSender) RespondInteraction(_ *discordgo.Interaction, content string, embeds []*discordgo.MessageEmbed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, &discordgo.InteractionResponseData{Content: content, Embeds: embeds})
	return nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeCoordinator struct {
	threshold    int
	participants map[string]session.Participant
	admission    session.Admission
	turns        []string
	turnErr      error
	// crossed makes OnTurnReceived report the cycle already complete.
	crossed bool
}

func (f *fakeCoordinator) OnParticipantAdmitted(id, name string) session.Admission {
	if _, ok := f.participants[id]; !ok && !f.admission.AlreadyAdmitted {
		f.participants[id] = session.Participant{ID: id, Name: name, Active: f.admission.Activated}
	}
	return f.admission
}

func (f *fakeCoordinator) OnTurnReceived(id, _, responderText, participantText string) (coordinator.TurnResult, error) {
	if f.turnErr != nil {
		return coordinator.TurnResult{}, f.turnErr
	}
	if f.crossed {
		return coordinator.TurnResult{TurnCount: f.threshold, ThresholdReached: true}, nil
	}
	p := f.participants[id]
	p.TurnCount++
	f.participants[id] = p
	f.turns = append(f.turns, participantText+"|"+responderText)
	return coordinator.TurnResult{Recorded: true, TurnCount: p.TurnCount, Remaining: f.threshold - p.TurnCount}, nil
}

func (f *fakeCoordinator) CycleComplete(id string) bool {
	return f.participants[id].TurnCount >= f.threshold
}

func (f *fakeCoordinator) Participant(id string) (session.Participant, error) {
	p, ok := f.participants[id]
	if !ok {
		return session.Participant{}, session.ErrNotFound
	}
	return p, nil
}

func (f *fakeCoordinator) Threshold() int { return f.threshold }

type fakeResponder struct {
	err error
	// failures limits err to the first n calls when set.
	failures int
	reqs     []oracle.ReplyRequest
}

func (f *fakeResponder) Reply(_ context.Context, req oracle.ReplyRequest) (oracle.ReplyResponse, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil && (f.failures == 0 || len(f.reqs) <= f.failures) {
		return oracle.ReplyResponse{}, f.err
	}
	return oracle.ReplyResponse{Text: "tell me more"}, nil
}

type fakeTranscripts struct{ turns []conversation.Turn }

func (f fakeTranscripts) Snapshot(string) conversation.Transcript {
	return conversation.Transcript{Turns: f.turns}
}

func newTestBot(t *testing.T, coord *fakeCoordinator, responder *fakeResponder) (*Bot, *fakeSender, *traits.Registry) {
	t.Helper()
	tax := traits.MustTaxonomy([]string{"helper", "challenger"})
	registry := traits.NewRegistry(tax, traits.PolicyReplace, docstore.NewInMemoryStore(), nil)
	defs, err := traits.NewDefinitions(map[string]string{"helper": "Warm and generous."}, tax)
	if err != nil {
		t.Fatalf("NewDefinitions() error = %v", err)
	}
	b, err := NewBot(Config{WelcomeChannelID: "welcome", ResponderModel: "llama3"}, Deps{
		Coordinator: coord,
		Transcripts: fakeTranscripts{turns: []conversation.Turn{{Responder: "hi", Participant: "hello"}}},
		Responder:   responder,
		Registry:    registry,
		Definitions: defs,
	}, nil)
	if err != nil {
		t.Fatalf("NewBot() error = %v", err)
	}
	sender := &fakeSender{}
	b.sender = sender
	b.selfID = "42"
	return b, sender, registry
}

func newFakeCoordinator(threshold int) *fakeCoordinator {
	return &fakeCoordinator{
		threshold:    threshold,
		participants: map[string]session.Participant{},
		admission:    session.Admission{Activated: true},
	}
}

func message(authorID, channelID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "msg-1",
		ChannelID: channelID,
		Content:   content,
		Author:    &discordgo.User{ID: authorID, Username: "ana"},
	}}
}

func TestMemberAddWelcomesActivatedParticipant(t *testing.T) {
	coord := newFakeCoordinator(10)
	b, sender, _ := newTestBot(t, coord, &fakeResponder{})

	b.handleMemberAdd(nil, &discordgo.GuildMemberAdd{Member: &discordgo.Member{User: &discordgo.User{ID: "u1", Username: "ana"}}})

	got := sender.messages()
	if len(got) != 1 {
		t.Fatalf("messages = %d, want 1", len(got))
	}
	if got[0].channelID != "welcome" || !strings.Contains(got[0].content, "<@u1>") || !strings.Contains(got[0].content, "10 times") {
		t.Fatalf("welcome = %+v", got[0])
	}
}

func TestMemberAddWaitlistedGetsNotice(t *testing.T) {
	coord := newFakeCoordinator(10)
	coord.admission = session.Admission{Waitlisted: true}
	b, sender, _ := newTestBot(t, coord, &fakeResponder{})

	b.handleMemberAdd(nil, &discordgo.GuildMemberAdd{Member: &discordgo.Member{User: &discordgo.User{ID: "u2", Username: "bo"}}})

	got := sender.messages()
	if len(got) != 1 || !strings.Contains(got[0].content, "when it's your turn") {
		t.Fatalf("messages = %+v, want waitlist notice", got)
	}
}

func TestMemberAddIgnoresBotsAndRepeats(t *testing.T) {
	coord := newFakeCoordinator(10)
	b, sender, _ := newTestBot(t, coord, &fakeResponder{})

	b.handleMemberAdd(nil, &discordgo.GuildMemberAdd{Member: &discordgo.Member{User: &discordgo.User{ID: "b1", Bot: true}}})
	coord.admission = session.Admission{AlreadyAdmitted: true}
	b.handleMemberAdd(nil, &discordgo.GuildMemberAdd{Member: &discordgo.Member{User: &discordgo.User{ID: "u1"}}})

	if got := sender.messages(); len(got) != 0 {
		t.Fatalf("messages = %+v, want none", got)
	}
}

func TestMessageRecordsTurnAndEditsThinking(t *testing.T) {
	coord := newFakeCoordinator(3)
	coord.participants["u1"] = session.Participant{ID: "u1", Active: true}
	responder := &fakeResponder{}
	b, sender, _ := newTestBot(t, coord, responder)

	b.handleMessage(nil, message("u1", "welcome", "<@42> I love hiking"))

	if len(coord.turns) != 1 || coord.turns[0] != "I love hiking|tell me more" {
		t.Fatalf("turns = %v", coord.turns)
	}
	if len(responder.reqs) != 1 {
		t.Fatalf("responder calls = %d, want 1", len(responder.reqs))
	}
	req := responder.reqs[0]
	if req.Input != "I love hiking" || req.Remaining != 2 || len(req.History) != 2 {
		t.Fatalf("reply request = %+v", req)
	}
	if req.History[0].Role != "user" || req.History[1].Content != "hi" {
		t.Fatalf("history = %+v", req.History)
	}

	got := sender.messages()
	if len(got) != 2 {
		t.Fatalf("messages = %+v, want thinking + edit", got)
	}
	if got[0].kind != "reply" || got[0].content != thinkingText {
		t.Fatalf("first message = %+v, want thinking reply", got[0])
	}
	if got[1].kind != "edit" || got[1].targetID != "thinking-1" {
		t.Fatalf("second message = %+v, want edit of thinking message", got[1])
	}
	if !strings.Contains(got[1].content, "tell me more") || !strings.Contains(got[1].content, "remaining: 2") || !strings.Contains(got[1].content, "llama3") {
		t.Fatalf("edited content = %q", got[1].content)
	}
}

func TestMessageResponderFailureUsesFallback(t *testing.T) {
	coord := newFakeCoordinator(3)
	coord.participants["u1"] = session.Participant{ID: "u1", Active: true}
	responder := &fakeResponder{err: errors.New("boom")}
	b, sender, _ := newTestBot(t, coord, responder)

	b.handleMessage(nil, message("u1", "welcome", "hello"))

	if len(responder.reqs) != 1 {
		t.Fatalf("responder calls = %d, want 1 for a non-retryable error", len(responder.reqs))
	}
	if len(coord.turns) != 1 || coord.turns[0] != "hello|"+fallbackText {
		t.Fatalf("turns = %v", coord.turns)
	}
	got := sender.messages()
	if got[len(got)-1].content != fallbackText {
		t.Fatalf("last message = %q, want fallback", got[len(got)-1].content)
	}
}

func TestMessageRetriesRetryableResponderError(t *testing.T) {
	coord := newFakeCoordinator(3)
	coord.participants["u1"] = session.Participant{ID: "u1", Active: true}
	responder := &fakeResponder{
		err:      &oracle.CallError{Provider: "test", StatusCode: 503, Retryable: true, Kind: oracle.ErrFailure, Err: errors.New("busy")},
		failures: 1,
	}
	b, _, _ := newTestBot(t, coord, responder)

	b.handleMessage(nil, message("u1", "welcome", "hello"))

	if len(responder.reqs) != 2 {
		t.Fatalf("responder calls = %d, want 2", len(responder.reqs))
	}
	if len(coord.turns) != 1 || coord.turns[0] != "hello|tell me more" {
		t.Fatalf("turns = %v", coord.turns)
	}
}

func TestMessageIgnoredForInactiveOtherChannelAndBots(t *testing.T) {
	coord := newFakeCoordinator(3)
	coord.participants["u1"] = session.Participant{ID: "u1", Active: true}
	coord.participants["w1"] = session.Participant{ID: "w1", Waitlisted: true}
	responder := &fakeResponder{}
	b, sender, _ := newTestBot(t, coord, responder)

	b.handleMessage(nil, message("stranger", "welcome", "hello"))
	b.handleMessage(nil, message("w1", "welcome", "hello"))
	b.handleMessage(nil, message("u1", "general", "hello"))
	b.handleMessage(nil, message("42", "welcome", "hello"))
	bot := message("x", "welcome", "hello")
	bot.Author.Bot = true
	b.handleMessage(nil, bot)

	if len(sender.messages()) != 0 || len(responder.reqs) != 0 || len(coord.turns) != 0 {
		t.Fatalf("sent=%d replies=%d turns=%d, want all zero", len(sender.messages()), len(responder.reqs), len(coord.turns))
	}
}

func TestMessageAfterThresholdAnnouncesAnalysis(t *testing.T) {
	coord := newFakeCoordinator(2)
	coord.participants["u1"] = session.Participant{ID: "u1", Active: true, TurnCount: 2}
	responder := &fakeResponder{}
	b, sender, _ := newTestBot(t, coord, responder)

	b.handleMessage(nil, message("u1", "welcome", "one more"))

	got := sender.messages()
	if len(got) != 1 || !strings.Contains(got[0].content, "finished 2 turns") {
		t.Fatalf("messages = %+v", got)
	}
	if len(responder.reqs) != 0 || len(coord.turns) != 0 {
		t.Fatalf("responder=%d turns=%d, want none", len(responder.reqs), len(coord.turns))
	}
}

func TestMessageEmptyAfterMentionAsksForContent(t *testing.T) {
	coord := newFakeCoordinator(3)
	coord.participants["u1"] = session.Participant{ID: "u1", Active: true}
	b, sender, _ := newTestBot(t, coord, &fakeResponder{})

	b.handleMessage(nil, message("u1", "welcome", "  <@!42>  "))

	got := sender.messages()
	if len(got) != 1 || got[0].content != emptyText {
		t.Fatalf("messages = %+v, want empty prompt", got)
	}
	if len(coord.turns) != 0 {
		t.Fatalf("turns = %v, want none", coord.turns)
	}
}

func TestMessageNotAppendableAnnouncesAnalysis(t *testing.T) {
	coord := newFakeCoordinator(3)
	coord.participants["u1"] = session.Participant{ID: "u1", Active: true}
	coord.turnErr = conversation.ErrStatusNotAppendable
	b, sender, _ := newTestBot(t, coord, &fakeResponder{})

	b.handleMessage(nil, message("u1", "welcome", "hello"))

	got := sender.messages()
	if len(got) != 2 || got[1].kind != "edit" {
		t.Fatalf("messages = %+v, want thinking + edit", got)
	}
	if !strings.Contains(got[1].content, "finished 3 turns") || strings.Contains(got[1].content, "remaining:") {
		t.Fatalf("edit = %q, want analysis notice", got[1].content)
	}
}

func TestMessageCrossingThresholdMidReplyAnnouncesAnalysis(t *testing.T) {
	coord := newFakeCoordinator(3)
	coord.participants["u1"] = session.Participant{ID: "u1", Active: true, TurnCount: 2}
	coord.crossed = true
	responder := &fakeResponder{}
	b, sender, _ := newTestBot(t, coord, responder)

	b.handleMessage(nil, message("u1", "welcome", "late message"))

	if len(responder.reqs) != 1 {
		t.Fatalf("responder calls = %d, want 1", len(responder.reqs))
	}
	got := sender.messages()
	if len(got) != 2 || got[1].kind != "edit" {
		t.Fatalf("messages = %+v, want thinking + edit", got)
	}
	if got[1].content != cycleCompleteText(3) {
		t.Fatalf("edit = %q, want %q", got[1].content, cycleCompleteText(3))
	}
}

func TestInteractionTraitsListsDefinitions(t *testing.T) {
	b, sender, _ := newTestBot(t, newFakeCoordinator(3), &fakeResponder{})

	b.handleInteraction(nil, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type: discordgo.InteractionApplicationCommand,
		Data: discordgo.ApplicationCommandInteractionData{Name: commandTraits},
	}})

	if len(sender.responses) != 1 || len(sender.responses[0].Embeds) != 1 {
		t.Fatalf("responses = %+v", sender.responses)
	}
	fields := sender.responses[0].Embeds[0].Fields
	if len(fields) != 2 || fields[0].Name != "helper" || fields[0].Value != "Warm and generous." {
		t.Fatalf("fields = %+v", fields)
	}
	if fields[1].Value != "No description yet." {
		t.Fatalf("undefined field = %q", fields[1].Value)
	}
}

func TestInteractionChooseListsMembers(t *testing.T) {
	b, sender, registry := newTestBot(t, newFakeCoordinator(3), &fakeResponder{})
	if _, err := registry.Record("helper", "u1", "ana"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	choose := func(label string) string {
		b.handleInteraction(nil, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{
				Name: commandChoose,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: optionLabel, Type: discordgo.ApplicationCommandOptionString, Value: label},
				},
			},
		}})
		return sender.responses[len(sender.responses)-1].Content
	}

	if got := choose("Helper"); !strings.Contains(got, "ana (<@u1>)") {
		t.Fatalf("choose helper = %q", got)
	}
	if got := choose("challenger"); !strings.Contains(got, "No one") {
		t.Fatalf("choose challenger = %q", got)
	}
	if got := choose("wizard"); !strings.Contains(got, "Unknown trait") {
		t.Fatalf("choose wizard = %q", got)
	}
}

func TestCommandDefinitionsOfferTaxonomyChoices(t *testing.T) {
	b, _, _ := newTestBot(t, newFakeCoordinator(3), &fakeResponder{})
	cmds := b.commandDefinitions()
	if len(cmds) != 2 || cmds[1].Name != commandChoose {
		t.Fatalf("commands = %+v", cmds)
	}
	choices := cmds[1].Options[0].Choices
	if len(choices) != 2 || choices[0].Value != "helper" || choices[1].Name != "challenger" {
		t.Fatalf("choices = %+v", choices)
	}
}

func TestPublishPingsPromotedParticipant(t *testing.T) {
	b, sender, _ := newTestBot(t, newFakeCoordinator(4), &fakeResponder{})

	b.Publish(events.Event{Type: events.TurnRecorded, ParticipantID: "u1"})
	b.Publish(events.Event{Type: events.ParticipantPromoted, ParticipantID: "u2"})
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	got := sender.messages()
	if len(got) != 1 || !strings.Contains(got[0].content, "<@u2>") || got[0].channelID != "welcome" {
		t.Fatalf("messages = %+v, want one promotion ping", got)
	}

	b.Publish(events.Event{Type: events.ParticipantPromoted, ParticipantID: "u3"})
	if len(sender.messages()) != 1 {
		t.Fatalf("publish after stop sent a message")
	}
}

func TestSplitMessage(t *testing.T) {
	text := strings.Repeat("a", 15) + "\n" + strings.Repeat("b", 10)
	got := splitMessage(text, 20)
	if len(got) != 2 || got[0] != strings.Repeat("a", 15) || got[1] != strings.Repeat("b", 10) {
		t.Fatalf("splitMessage() = %q", got)
	}
	if got := splitMessage("short", 20); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitMessage(short) = %q", got)
	}
	long := splitMessage(strings.Repeat("x", 45), 20)
	if len(long) != 3 || len(long[2]) != 5 {
		t.Fatalf("splitMessage(unbroken) lens = %d", len(long))
	}
}

func TestNormalizeBotToken(t *testing.T) {
	cases := map[string]string{
		"":          "",
		"  abc ":    "Bot abc",
		"Bot abc":   "Bot abc",
		"bot abc":   "bot abc",
	}
	for in, want := range cases {
		if got := normalizeBotToken(in); got != want {
			t.Fatalf("normalizeBotToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewBotRequiresDependencies(t *testing.T) {
	if _, err := NewBot(Config{}, Deps{}, nil); err == nil {
		t.Fatalf("NewBot() error = nil, want missing coordinator")
	}
}

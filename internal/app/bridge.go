package app

import (
	"context"
	"strings"

	bub "github.com/bublab/bub"
	"github.com/bublab/bub/bus"
)

// groupTrigger is the command prefix that addresses the agent in group
// chats where it is otherwise silent.
const groupTrigger = "/bub"

// handleInbound routes one bus message into its session and publishes
// the reply. Runs on its own goroutine per message; ordering within a
// session is the session queue's job, not ours.
func (a *App) handleInbound(ctx context.Context, msg bub.InboundMessage) {
	text, ok := a.shouldRespond(msg)
	if !ok {
		return
	}

	sess, err := a.sup.Session(ctx, msg.SessionID())
	if err != nil {
		a.logger.Error("session open failed", "session", msg.SessionID(), "error", err)
		return
	}

	reply, err := sess.HandleInput(ctx, text)
	if err != nil {
		a.logger.Error("turn failed", "session", msg.SessionID(), "error", err)
		return
	}
	if reply.Output == "" {
		return
	}

	out := bub.OutboundMessage{
		MessageID: bub.NewID(),
		ChatID:    msg.ChatID,
		Channel:   msg.Channel,
		Text:      reply.Output,
		ReplyToID: msg.MessageID,
	}
	if _, err := a.client.PublishOutbound(ctx, out); err != nil {
		a.logger.Error("outbound publish failed", "session", msg.SessionID(), "error", err)
	}
}

// shouldRespond applies the group-chat filter: in groups the agent only
// answers direct mentions, replies to its own messages, or /bub
// commands. Direct chats always pass. Returns the text to process with
// any trigger prefix stripped.
func (a *App) shouldRespond(msg bub.InboundMessage) (string, bool) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "", false
	}
	if !msg.Group {
		return text, true
	}
	if strings.HasPrefix(text, groupTrigger) {
		rest := strings.TrimSpace(strings.TrimPrefix(text, groupTrigger))
		if rest == "" {
			rest = ",help"
		}
		return rest, true
	}
	if msg.Mention || msg.ReplyToID != "" {
		return text, true
	}
	return "", false
}

// handleSystem reacts to system topics. Disconnect notices just log;
// spawn requests fork a tape and open a session on the child.
func (a *App) handleSystem(topic string, env bus.Envelope) {
	switch env.Type {
	case bus.TypeDisconnect:
		a.logger.Debug("peer disconnected", "topic", topic, "from", env.From)

	case bus.TypeSpawnRequest:
		var req bus.SpawnRequest
		if err := env.DecodeContent(&req); err != nil {
			a.logger.Warn("malformed spawn request", "from", env.From, "error", err)
			return
		}
		go a.spawn(context.Background(), env.From, req)
	}
}

// spawn forks the source tape and runs the prompt on the child,
// reporting the outcome as an agent event on the requester's topic.
// Failures report too; a requester always hears back.
func (a *App) spawn(ctx context.Context, from string, req bus.SpawnRequest) {
	ev := bus.AgentEvent{Name: "spawn.result"}

	childID, err := a.store.Fork(ctx, req.SourceTapeID, bub.ForkOpts{
		NewTapeID:  req.ChildTapeID,
		FromAnchor: req.FromAnchor,
	})
	if err != nil {
		a.logger.Error("spawn fork failed", "source", req.SourceTapeID, "error", err)
		ev.Error = err.Error()
		a.publishSpawnResult(ctx, from, ev)
		return
	}
	ev.TapeID = childID

	sess, err := a.sup.Session(ctx, childID)
	if err != nil {
		a.logger.Error("spawn session failed", "tape", childID, "error", err)
		ev.Error = err.Error()
		a.publishSpawnResult(ctx, from, ev)
		return
	}

	reply, err := sess.HandleInput(ctx, req.Prompt)
	if err != nil {
		ev.Error = err.Error()
	} else {
		ev.Output = reply.Output
	}
	a.publishSpawnResult(ctx, from, ev)
}

func (a *App) publishSpawnResult(ctx context.Context, from string, ev bus.AgentEvent) {
	env, err := bus.NewEnvelope(bus.TypeSpawnResult, agentClientID, ev)
	if err != nil {
		return
	}
	if _, err := a.client.SendMessage(ctx, "system:spawn:"+from, env); err != nil {
		a.logger.Warn("spawn result publish failed", "to", from, "error", err)
	}
}

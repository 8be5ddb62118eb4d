package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/message"
	"github.com/petervdpas/parley/internal/outbox"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/util"
)

type ClientOptions struct {
	BaseDir string
	CfgPath string
	Cfg     config.Config
	In      io.Reader
	Out     io.Writer
}

// RunClient signs in as cfg.Client.UserID and reads commands from In until
// it ends, "/quit" is entered or ctx is done.
func RunClient(ctx context.Context, opt ClientOptions) error {
	cfg := opt.Cfg
	if err := setLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	dataDir := util.ResolvePath(opt.BaseDir, cfg.Client.DataDir)
	logBanner("client", opt.CfgPath, dataDir)

	sess, err := NewSession(dataDir, cfg, call.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	sh := newShell(sess, cfg.Client.ServerURL, opt.Out)
	go sh.watch(ctx)
	sh.printf("signed in as %s, /help lists commands", sess.User())
	sh.loop(ctx, opt.In)

	cancel()
	<-done
	return nil
}

type command struct {
	usage string
	// min is the number of required arguments.
	min int
	run func(ctx context.Context, args []string) error
}

type shell struct {
	sess *Session
	base string
	http *http.Client

	mu  sync.Mutex
	out io.Writer

	commands map[string]command
}

func newShell(sess *Session, serverURL string, out io.Writer) *shell {
	sh := &shell{
		sess: sess,
		base: strings.TrimRight(serverURL, "/"),
		http: &http.Client{Timeout: util.DefaultWriteTimeout},
		out:  out,
	}
	sh.commands = sh.table()
	return sh
}

func (sh *shell) printf(format string, args ...any) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fmt.Fprintf(sh.out, format+"\n", args...)
}

func (sh *shell) loop(ctx context.Context, in io.Reader) {
	r := bufio.NewReader(in)
	for ctx.Err() == nil {
		line, err := r.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			if quit := sh.exec(ctx, line); quit {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// exec runs one line and reports whether the shell should stop.
func (sh *shell) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	name := strings.TrimPrefix(fields[0], "/")
	switch name {
	case "quit", "exit":
		return true
	case "help":
		sh.help()
		return false
	}
	cmd, ok := sh.commands[name]
	if !ok {
		sh.printf("unknown command %q, try /help", fields[0])
		return false
	}
	args := fields[1:]
	if len(args) < cmd.min {
		sh.printf("usage: /%s %s", name, cmd.usage)
		return false
	}
	if err := cmd.run(ctx, args); err != nil {
		sh.printf("%s: %v", name, err)
	}
	return false
}

func (sh *shell) help() {
	names := make([]string, 0, len(sh.commands))
	for n := range sh.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		sh.printf("  /%-8s %s", n, sh.commands[n].usage)
	}
	sh.printf("  /quit")
}

// parseRef reads "#group" as a group and anything else as a user.
func parseRef(s string) proto.ConversationRef {
	if g, ok := strings.CutPrefix(s, "#"); ok {
		return proto.ConversationRef{Group: g}
	}
	return proto.ConversationRef{Peer: s}
}

func refString(r proto.ConversationRef) string {
	if r.Group != "" {
		return "#" + r.Group
	}
	return r.Peer
}

func onOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "y", "yes", "true", "1":
		return true, nil
	case "off", "n", "no", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func (sh *shell) table() map[string]command {
	send := func(kind proto.Kind, payload any) error {
		return sh.sess.Client().Send(kind, payload)
	}
	calls := sh.sess.Calls()

	return map[string]command{
		"msg": {"<user|#group> <text>", 2, func(ctx context.Context, a []string) error {
			ref := parseRef(a[0])
			queued, err := sh.sess.SendMessage(ctx, proto.SendMessagePayload{
				Receiver: ref.Peer,
				Group:    ref.Group,
				Body:     strings.Join(a[1:], " "),
			})
			if err == nil && queued {
				sh.printf("offline, queued for %s", a[0])
			}
			return err
		}},
		"join": {"<group>", 1, func(_ context.Context, a []string) error {
			return send(proto.JoinGroupRoom, proto.JoinGroupPayload{GroupID: strings.TrimPrefix(a[0], "#")})
		}},
		"read": {"<user|#group>", 1, func(_ context.Context, a []string) error {
			return send(proto.MarkRead, proto.ConversationPayload{Conversation: parseRef(a[0])})
		}},
		"typing": {"<user|#group> [off]", 1, func(_ context.Context, a []string) error {
			kind := proto.Typing
			if len(a) > 1 && a[1] == "off" {
				kind = proto.StopTyping
			}
			return send(kind, proto.ConversationPayload{Conversation: parseRef(a[0])})
		}},
		"react": {"<messageId> [emoji]", 1, func(_ context.Context, a []string) error {
			emoji := ""
			if len(a) > 1 {
				emoji = a[1]
			}
			return send(proto.ReactToMessage, proto.ReactPayload{MessageID: a[0], Emoji: emoji})
		}},
		"edit": {"<messageId> <text>", 2, func(_ context.Context, a []string) error {
			return send(proto.EditMessage, proto.EditPayload{MessageID: a[0], Text: strings.Join(a[1:], " ")})
		}},
		"delete": {"<messageId>", 1, func(_ context.Context, a []string) error {
			return send(proto.DeleteMessage, proto.MessageRefPayload{MessageID: a[0]})
		}},
		"hide": {"on|off", 1, func(_ context.Context, a []string) error {
			hidden, err := onOff(a[0])
			if err != nil {
				return err
			}
			return send(proto.ToggleOnlineStatus, proto.TogglePayload{Hidden: hidden})
		}},
		"history": {"<user|#group> [limit]", 1, func(ctx context.Context, a []string) error {
			limit := "20"
			if len(a) > 1 {
				limit = a[1]
			}
			return sh.history(ctx, parseRef(a[0]), limit)
		}},
		"pending": {"", 0, func(ctx context.Context, _ []string) error {
			entries, err := sh.sess.Outbox().Pending(ctx)
			if err != nil {
				return err
			}
			sh.printf("%d queued", len(entries))
			for _, e := range entries {
				sh.printf("  #%d %s %s", e.Seq, e.Endpoint, e.Payload)
			}
			return nil
		}},
		"call": {"<user> [video]", 1, func(ctx context.Context, a []string) error {
			kind := proto.MediaAudio
			if len(a) > 1 && a[1] == "video" {
				kind = proto.MediaVideo
			}
			// capture and ICE gathering take a moment
			go func() {
				if err := calls.Initiate(ctx, a[0], kind); err != nil {
					sh.printf("call: %v", err)
				}
			}()
			return nil
		}},
		"accept": {"", 0, func(ctx context.Context, _ []string) error {
			go func() {
				if err := calls.Accept(ctx); err != nil {
					sh.printf("accept: %v", err)
				}
			}()
			return nil
		}},
		"hangup": {"", 0, func(context.Context, []string) error {
			calls.Terminate()
			return nil
		}},
		"mute": {"on|off", 1, func(_ context.Context, a []string) error {
			on, err := onOff(a[0])
			if err != nil {
				return err
			}
			return calls.MuteAudio(on)
		}},
		"video": {"on|off", 1, func(_ context.Context, a []string) error {
			on, err := onOff(a[0])
			if err != nil {
				return err
			}
			return calls.DisableVideo(!on)
		}},
	}
}

func (sh *shell) history(ctx context.Context, ref proto.ConversationRef, limit string) error {
	q := url.Values{"peer": {ref.Peer}, "group": {ref.Group}, "limit": {limit}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sh.base+messagesEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-ID", sh.sess.User())
	resp, err := sh.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct{ Error string }
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	var page struct{ Messages []*message.Message }
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return err
	}
	for _, m := range page.Messages {
		sh.printf("%s", describeMessage(m))
	}
	return nil
}

// watch prints inbound events, call state and outbox results.
func (sh *shell) watch(ctx context.Context) {
	frames, unsub := sh.sess.Client().Subscribe()
	defer unsub()
	updates, stop := sh.sess.Calls().Subscribe()
	defer stop()
	replays, stopReplays := sh.sess.Outbox().Events()
	defer stopReplays()
	up, stopUp := sh.sess.Client().Connectivity()
	defer stopUp()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if line := describeFrame(f); line != "" {
				sh.printf("%s", line)
			}
		case u, ok := <-updates:
			if !ok {
				return
			}
			sh.printf("%s", describeUpdate(u))
		case e, ok := <-replays:
			if !ok {
				return
			}
			switch e.Type {
			case outbox.SyncComplete:
				if e.Delivered > 0 {
					sh.printf("synced %d queued messages", e.Delivered)
				}
			case outbox.ReplayAborted:
				sh.printf("sync stopped, %d still queued: %v", e.Remaining, e.Err)
			}
		case connected, ok := <-up:
			if !ok {
				return
			}
			if connected {
				sh.printf("connected")
			} else {
				sh.printf("disconnected, reconnecting")
			}
		}
	}
}

func describeMessage(m *message.Message) string {
	body := m.Body
	switch {
	case m.Deleted:
		body = "(deleted)"
	case m.Edited:
		body += " (edited)"
	}
	if m.MediaRef != "" {
		body += " [" + m.MediaRef + "]"
	}
	where := ""
	if m.Conversation.Kind == message.KindGroup {
		where = " #" + m.Conversation.Group
	}
	return fmt.Sprintf("[%s%s] %s  (%s, %s)", m.Sender, where, body, m.ID, m.State)
}

func describeFrame(f proto.Frame) string {
	decode := func(v any) bool { return json.Unmarshal(f.Payload, v) == nil }
	switch f.Type {
	case proto.ReceiveMessage, proto.ReceiveGroupMessage, proto.MessageUpdated:
		var m message.Message
		if decode(&m) {
			return describeMessage(&m)
		}
	case proto.MessageSent:
		var m message.Message
		if decode(&m) {
			return "sent " + m.ID
		}
	case proto.MessageDelivered:
		var p proto.DeliveredPayload
		if decode(&p) {
			return fmt.Sprintf("delivered %s to %s", p.MessageID, p.By)
		}
	case proto.MessagesSeen:
		var p proto.SeenPayload
		if decode(&p) {
			return fmt.Sprintf("%s read %d messages", p.Reader, len(p.MessageIDs))
		}
	case proto.GroupMessagesRead:
		var p proto.GroupReadPayload
		if decode(&p) {
			return fmt.Sprintf("#%s read %d messages", p.Group, len(p.MessageIDs))
		}
	case proto.MessageReaction:
		var p proto.ReactionPayload
		if decode(&p) {
			return fmt.Sprintf("%s reacted %q on %s", p.User, p.Emoji, p.MessageID)
		}
	case proto.MessageDeleted:
		var p proto.DeletedPayload
		if decode(&p) {
			return "deleted " + p.MessageID
		}
	case proto.Typing, proto.StopTyping:
		var p proto.TypingNotice
		if decode(&p) {
			verb := "is typing"
			if f.Type == proto.StopTyping {
				verb = "stopped typing"
			}
			return fmt.Sprintf("%s %s in %s", p.User, verb, refString(p.Conversation))
		}
	case proto.GetOnlineUsers:
		var p proto.OnlineUsersPayload
		if decode(&p) {
			return "online: " + strings.Join(p.Users, ", ")
		}
	case proto.CallUser:
		var p proto.CallUserPayload
		if decode(&p) {
			return fmt.Sprintf("incoming %s call from %s, /accept or /hangup", p.MediaKind, p.From)
		}
	case proto.Error:
		var p proto.ErrorPayload
		if decode(&p) {
			return fmt.Sprintf("error %s: %s", p.Code, p.Message)
		}
	case proto.CallAccepted, proto.CallSignal, proto.CallEnded:
		// reported through call state updates
		return ""
	}
	return ""
}

func describeUpdate(u call.Update) string {
	s := fmt.Sprintf("call %s", u.State)
	if u.Session.Peer != "" {
		s += " with " + u.Session.Peer
	}
	if u.Session.AudioMuted {
		s += " (muted)"
	}
	if u.Session.VideoDisabled {
		s += " (video off)"
	}
	if u.Err != nil && !errors.Is(u.Err, call.ErrCallEnded) {
		s += ": " + u.Err.Error()
	}
	return s
}

package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/gembot/internal/classifier"
	"github.com/capitalize-ai/gembot/internal/model"
)

type apiCall struct {
	Method  string
	Payload map[string]any
}

// fakeAPI is an in-process Bot API server that records calls.
type fakeAPI struct {
	mu     sync.Mutex
	calls  []apiCall
	nextID int64
	// rejectMarkdown makes every MarkdownV2 send fail with a parse error.
	rejectMarkdown bool
	files          map[string][]byte
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/file/") {
			name := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			data, ok := f.files[name]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(data)
			return
		}

		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		payload := map[string]any{}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			for k, v := range r.MultipartForm.Value {
				payload[k] = v[0]
			}
		} else {
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &payload)
		}

		f.mu.Lock()
		f.calls = append(f.calls, apiCall{Method: method, Payload: payload})
		f.nextID++
		id := f.nextID
		reject := f.rejectMarkdown
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "sendMessage":
			if reject && payload["parse_mode"] == "MarkdownV2" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities: unexpected end"}`)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"message_id": id}})
		case "sendPhoto":
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"message_id": id}})
		case "getFile":
			fileID, _ := payload["file_id"].(string)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"file_id": fileID, "file_path": "files/" + fileID}})
		case "getMe":
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"id": 1, "is_bot": true, "username": "gem_bot"}})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": true})
		}
	})
}

func (f *fakeAPI) byMethod(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

type fakeOrch struct {
	plan      model.DeliveryPlan
	intent    classifier.Intent
	handled   []model.InboundMessage
	resets    []string
	setErr    error
	current   model.ModelConfig
	models    []model.ModelConfig
	delivered map[string][]string
	// block makes HandleMessage wait for ctx to end, as a timed-out request does.
	block bool
}

func (o *fakeOrch) Intent(model.InboundMessage) classifier.Intent { return o.intent }

func (o *fakeOrch) HandleMessage(ctx context.Context, msg model.InboundMessage) model.DeliveryPlan {
	if o.block {
		<-ctx.Done()
	}
	o.handled = append(o.handled, msg)
	return o.plan
}

func (o *fakeOrch) ResetHistory(_ context.Context, userID string) error {
	o.resets = append(o.resets, userID)
	return nil
}

func (o *fakeOrch) SetModel(context.Context, string, string) error { return o.setErr }

func (o *fakeOrch) CurrentModel(context.Context, string) model.ModelConfig { return o.current }

func (o *fakeOrch) Models() []model.ModelConfig { return o.models }

func (o *fakeOrch) RecordDelivery(_ context.Context, _, sourceRef string, refs []string) {
	if o.delivered == nil {
		o.delivered = map[string][]string{}
	}
	o.delivered[sourceRef] = refs
}

func newTestBot(t *testing.T, orch *fakeOrch) (*Bot, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{files: map[string][]byte{}}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	client := NewClient("TOKEN", WithBaseURL(srv.URL))
	return NewBot(client, orch, BotConfig{Username: "gem_bot"}, nil), api
}

func privateText(id int64, text string) Update {
	return Update{UpdateID: id, Message: &Message{
		MessageID: id,
		Chat:      Chat{ID: 42, Type: "private"},
		From:      &User{ID: 7},
		Text:      text,
	}}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		name     string
		update   Update
		wantOK   bool
		wantText string
		wantKind model.AttachmentKind
	}{
		{"private text", privateText(1, "hi"), true, "hi", model.AttachmentNone},
		{"empty", privateText(1, "   "), false, "", model.AttachmentNone},
		{"no message", Update{UpdateID: 1}, false, "", model.AttachmentNone},
		{
			"group without mention",
			Update{Message: &Message{Chat: Chat{ID: -1, Type: "group"}, From: &User{ID: 7}, Text: "hello all"}},
			false, "", model.AttachmentNone,
		},
		{
			"group with mention",
			Update{Message: &Message{Chat: Chat{ID: -1, Type: "supergroup"}, From: &User{ID: 7}, Text: "@Gem_Bot what is Go?"}},
			true, "what is Go?", model.AttachmentNone,
		},
		{
			"group media with mention",
			Update{Message: &Message{
				Chat: Chat{ID: -1, Type: "group"}, From: &User{ID: 7},
				Caption: "@gem_bot look", Photo: []PhotoSize{{FileID: "p", Width: 1, Height: 1}},
			}},
			false, "", model.AttachmentNone,
		},
		{
			"channel",
			Update{Message: &Message{Chat: Chat{ID: -5, Type: "channel"}, Text: "news"}},
			false, "", model.AttachmentNone,
		},
		{
			"private photo picks largest",
			Update{Message: &Message{
				Chat: Chat{ID: 42, Type: "private"}, From: &User{ID: 7}, Caption: "what is this",
				Photo: []PhotoSize{{FileID: "small", Width: 90, Height: 90}, {FileID: "big", Width: 800, Height: 600}},
			}},
			true, "what is this", model.AttachmentImage,
		},
		{
			"voice without text",
			Update{Message: &Message{Chat: Chat{ID: 42, Type: "private"}, From: &User{ID: 7}, Voice: &Voice{FileID: "v"}}},
			true, "", model.AttachmentVoice,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Normalize(tc.update, "gem_bot")
			if ok != tc.wantOK {
				t.Fatalf("Normalize() ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if got.Text != tc.wantText {
				t.Fatalf("Text = %q, want %q", got.Text, tc.wantText)
			}
			if got.AttachmentKind() != tc.wantKind {
				t.Fatalf("AttachmentKind = %q, want %q", got.AttachmentKind(), tc.wantKind)
			}
			if got.UserID != "7" {
				t.Fatalf("UserID = %q", got.UserID)
			}
		})
	}
}

func TestNormalizeLargestPhotoAndEdit(t *testing.T) {
	u := Update{EditedMessage: &Message{
		MessageID: 3,
		Chat:      Chat{ID: 42, Type: "private"},
		Caption:   "again",
		Photo:     []PhotoSize{{FileID: "small", Width: 90, Height: 90}, {FileID: "big", Width: 800, Height: 600}},
	}}
	got, ok := Normalize(u, "gem_bot")
	if !ok || !got.IsEdit {
		t.Fatalf("Normalize() = %+v, %v", got, ok)
	}
	if got.Attachment.FileRef != "big" {
		t.Fatalf("FileRef = %q, want big", got.Attachment.FileRef)
	}
	if got.UserID != "42" {
		t.Fatalf("UserID = %q, want chat id fallback", got.UserID)
	}
}

func TestMentionsEntity(t *testing.T) {
	text := "привет @gem_bot"
	ents := []Entity{{Type: "mention", Offset: 7, Length: 8}}
	if !Mentions(text, ents, "gem_bot") {
		t.Fatal("entity mention not detected")
	}
	if Mentions("hello", []Entity{{Type: "text_mention", User: &User{IsBot: true, Username: "other"}}}, "gem_bot") {
		t.Fatal("mention of another bot detected")
	}
	if !Mentions("hello", []Entity{{Type: "text_mention", User: &User{IsBot: true, Username: "gem_bot"}}}, "gem_bot") {
		t.Fatal("text_mention not detected")
	}
}

func TestStripMentionKeepsNewlines(t *testing.T) {
	got := StripMention("@gem_bot line one\nline two", "gem_bot")
	if got != "line one\nline two" {
		t.Fatalf("StripMention() = %q", got)
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		cmd  string
		args string
		ok   bool
	}{
		{"/reset", "reset", "", true},
		{"/model deepseek", "model", "deepseek", true},
		{"/Model@gem_bot  gemini ", "model", "gemini", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}
	for _, tc := range cases {
		cmd, args, ok := ParseCommand(tc.in)
		if cmd != tc.cmd || args != tc.args || ok != tc.ok {
			t.Fatalf("ParseCommand(%q) = %q, %q, %v", tc.in, cmd, args, ok)
		}
	}
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)
	}))
	defer srv.Close()

	_, err := NewClient("T", WithBaseURL(srv.URL)).SendMessage(context.Background(), 1, "*", "MarkdownV2", 0)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode != 400 {
		t.Fatalf("err = %v, want APIError 400", err)
	}
	if !IsParseError(err) {
		t.Fatal("IsParseError() = false")
	}
	if IsParseError(errors.New("boom")) {
		t.Fatal("IsParseError(plain error) = true")
	}
}

func TestDownloadLimit(t *testing.T) {
	bot, api := newTestBot(t, &fakeOrch{})
	api.files["f1"] = []byte(strings.Repeat("x", 100))

	if _, _, err := bot.client.FetchFile(context.Background(), "f1", 50); err == nil {
		t.Fatal("FetchFile() over limit succeeded")
	}
	data, f, err := bot.client.FetchFile(context.Background(), "f1", 200)
	if err != nil || len(data) != 100 || f.FilePath != "files/f1" {
		t.Fatalf("FetchFile() = %d bytes, %+v, %v", len(data), f, err)
	}
}

func TestHandleUpdateDeliversAndCleansPlaceholder(t *testing.T) {
	orch := &fakeOrch{plan: model.DeliveryPlan{Text: "Go is **great**.", Indicator: "🧠 Gemini"}}
	bot, api := newTestBot(t, orch)

	if err := bot.HandleUpdate(context.Background(), privateText(10, "what is Go?")); err != nil {
		t.Fatalf("HandleUpdate() error = %v", err)
	}

	sends := api.byMethod("sendMessage")
	if len(sends) != 2 {
		t.Fatalf("sendMessage calls = %d, want placeholder + reply", len(sends))
	}
	if sends[0].Payload["text"] != thinkingPlaceholder {
		t.Fatalf("placeholder = %v", sends[0].Payload["text"])
	}
	reply := sends[1].Payload
	if reply["parse_mode"] != "MarkdownV2" || reply["text"] != "🧠 Gemini\n\nGo is *great*\\." {
		t.Fatalf("reply = %v", reply)
	}
	if reply["reply_to_message_id"] != float64(10) {
		t.Fatalf("reply_to = %v", reply["reply_to_message_id"])
	}
	if len(api.byMethod("deleteMessage")) != 1 {
		t.Fatal("placeholder not deleted")
	}
	if acts := api.byMethod("sendChatAction"); len(acts) != 1 || acts[0].Payload["action"] != "typing" {
		t.Fatalf("chat actions = %v", acts)
	}
}

func TestHandleUpdateDeliversAfterRequestDeadline(t *testing.T) {
	timeoutReply := "Sorry, the request took too long. Please try again."
	orch := &fakeOrch{block: true, plan: model.DeliveryPlan{Text: timeoutReply}}
	bot, api := newTestBot(t, orch)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := bot.HandleUpdate(ctx, privateText(14, "slow question")); err != nil {
		t.Fatalf("HandleUpdate() error = %v", err)
	}

	sends := api.byMethod("sendMessage")
	if len(sends) != 2 || !strings.Contains(sends[1].Payload["text"].(string), "took too long") {
		t.Fatalf("sends = %v, want placeholder + timeout reply", sends)
	}
	if len(api.byMethod("deleteMessage")) != 1 {
		t.Fatal("placeholder left behind after the deadline")
	}
}

func TestHandleUpdatePlainFallback(t *testing.T) {
	orch := &fakeOrch{plan: model.DeliveryPlan{Text: "hello", Indicator: "🔮 DeepSeek"}}
	bot, api := newTestBot(t, orch)
	api.rejectMarkdown = true

	if err := bot.HandleUpdate(context.Background(), privateText(11, "hi")); err != nil {
		t.Fatalf("HandleUpdate() error = %v", err)
	}
	sends := api.byMethod("sendMessage")
	last := sends[len(sends)-1].Payload
	if _, ok := last["parse_mode"]; ok || last["text"] != "🔮 DeepSeek\n\nhello" {
		t.Fatalf("fallback send = %v", last)
	}
}

func TestHandleUpdateLongReplyOnlyFirstChunkReplies(t *testing.T) {
	long := strings.Repeat(strings.Repeat("word ", 100)+"\n", 30)
	orch := &fakeOrch{plan: model.DeliveryPlan{Text: long, Indicator: "🧠 Gemini"}}
	bot, api := newTestBot(t, orch)

	if err := bot.HandleUpdate(context.Background(), privateText(12, "essay")); err != nil {
		t.Fatal(err)
	}
	sends := api.byMethod("sendMessage")[1:]
	if len(sends) < 2 {
		t.Fatalf("chunks = %d, want several", len(sends))
	}
	if _, ok := sends[0].Payload["reply_to_message_id"]; !ok {
		t.Fatal("first chunk does not reply")
	}
	for _, s := range sends[1:] {
		if _, ok := s.Payload["reply_to_message_id"]; ok {
			t.Fatal("later chunk replies to the user")
		}
	}
}

func TestHandleUpdateImage(t *testing.T) {
	orch := &fakeOrch{
		intent: classifier.Intent{Kind: classifier.KindImageGeneration},
		plan:   model.DeliveryPlan{Kind: model.DeliveryImage, Image: []byte("png"), ImageMIME: "image/png", Caption: strings.Repeat("c", 2000)},
	}
	bot, api := newTestBot(t, orch)

	if err := bot.HandleUpdate(context.Background(), privateText(13, "draw a cat")); err != nil {
		t.Fatal(err)
	}
	if api.byMethod("sendMessage")[0].Payload["text"] != imagePlaceholder {
		t.Fatal("image placeholder not used")
	}
	if acts := api.byMethod("sendChatAction"); acts[0].Payload["action"] != "upload_photo" {
		t.Fatalf("action = %v", acts[0].Payload["action"])
	}
	photos := api.byMethod("sendPhoto")
	if len(photos) != 1 {
		t.Fatalf("sendPhoto calls = %d", len(photos))
	}
	if n := len([]rune(photos[0].Payload["caption"].(string))); n != maxCaptionRunes {
		t.Fatalf("caption length = %d", n)
	}
}

func TestHandleUpdateEditDeletesStaleReplies(t *testing.T) {
	orch := &fakeOrch{plan: model.DeliveryPlan{Text: "first"}}
	bot, api := newTestBot(t, orch)
	ctx := context.Background()

	if err := bot.HandleUpdate(ctx, privateText(20, "original")); err != nil {
		t.Fatal(err)
	}
	edit := privateText(20, "edited")
	edit.EditedMessage, edit.Message = edit.Message, nil
	if err := bot.HandleUpdate(ctx, edit); err != nil {
		t.Fatal(err)
	}

	// one delete for each placeholder and one for the stale reply
	if got := len(api.byMethod("deleteMessage")); got != 3 {
		t.Fatalf("deleteMessage calls = %d, want 3", got)
	}
	if len(orch.handled) != 2 || !orch.handled[1].IsEdit || orch.handled[1].Text != "edited" {
		t.Fatalf("handled = %+v", orch.handled)
	}
}

func TestHandleUpdateCommands(t *testing.T) {
	gem := model.ModelConfig{Name: "gemini", DisplayName: "Gemini", Emoji: "🧠"}
	ds := model.ModelConfig{Name: "deepseek", DisplayName: "DeepSeek", Emoji: "🔮"}
	orch := &fakeOrch{current: gem, models: []model.ModelConfig{gem, ds}}
	bot, api := newTestBot(t, orch)
	ctx := context.Background()

	if err := bot.HandleUpdate(ctx, privateText(30, "/reset")); err != nil {
		t.Fatal(err)
	}
	if len(orch.resets) != 1 || orch.resets[0] != "7" {
		t.Fatalf("resets = %v", orch.resets)
	}
	if got := api.byMethod("sendMessage")[0].Payload["text"]; got != "Conversation history has been reset!" {
		t.Fatalf("reset reply = %v", got)
	}

	_ = bot.HandleUpdate(ctx, privateText(31, "/model"))
	listing := api.byMethod("sendMessage")[1].Payload["text"].(string)
	if !strings.Contains(listing, "Current model: 🧠 Gemini") || !strings.Contains(listing, "🔮 DeepSeek (deepseek)") {
		t.Fatalf("listing = %q", listing)
	}

	_ = bot.HandleUpdate(ctx, privateText(32, "/model DeepSeek"))
	if got := api.byMethod("sendMessage")[2].Payload["text"]; got != "Switched to 🔮 DeepSeek." {
		t.Fatalf("switch reply = %v", got)
	}

	orch.setErr = &model.ConfigurationError{Model: "gpt", Reason: "not available"}
	_ = bot.HandleUpdate(ctx, privateText(33, "/model gpt"))
	if got := api.byMethod("sendMessage")[3].Payload["text"].(string); !strings.Contains(got, "not available") {
		t.Fatalf("unknown model reply = %q", got)
	}

	if len(orch.handled) != 0 {
		t.Fatal("commands reached the orchestrator")
	}
}

func TestHandleUpdateUnknownCommandGoesToModel(t *testing.T) {
	orch := &fakeOrch{plan: model.DeliveryPlan{Text: "ok"}}
	bot, _ := newTestBot(t, orch)
	if err := bot.HandleUpdate(context.Background(), privateText(40, "/start")); err != nil {
		t.Fatal(err)
	}
	if len(orch.handled) != 1 {
		t.Fatal("unknown command not forwarded")
	}
}

func TestHandleUpdateDocumentReportsReplies(t *testing.T) {
	orch := &fakeOrch{plan: model.DeliveryPlan{Text: "summary", SourceRef: "42:50"}}
	bot, api := newTestBot(t, orch)
	api.files["doc1"] = []byte("hello world")

	u := Update{Message: &Message{
		MessageID: 50,
		Chat:      Chat{ID: 42, Type: "private"},
		From:      &User{ID: 7},
		Document:  &Document{FileID: "doc1", FileName: "notes.txt", MimeType: "text/plain"},
	}}
	if err := bot.HandleUpdate(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	if string(orch.handled[0].Attachment.Data) != "hello world" {
		t.Fatalf("attachment data = %q", orch.handled[0].Attachment.Data)
	}
	refs := orch.delivered["42:50"]
	if len(refs) != 1 || !strings.HasPrefix(refs[0], "42:") {
		t.Fatalf("delivered refs = %v", refs)
	}
}

func TestHandleUpdateDownloadFailure(t *testing.T) {
	orch := &fakeOrch{}
	bot, api := newTestBot(t, orch)

	u := Update{Message: &Message{
		MessageID: 60,
		Chat:      Chat{ID: 42, Type: "private"},
		From:      &User{ID: 7},
		Voice:     &Voice{FileID: "missing"},
	}}
	if err := bot.HandleUpdate(context.Background(), u); err == nil {
		t.Fatal("HandleUpdate() error = nil")
	}
	if got := api.byMethod("sendMessage")[0].Payload["text"]; got != downloadFailed {
		t.Fatalf("reply = %v", got)
	}
	if len(orch.handled) != 0 {
		t.Fatal("orchestrator called without data")
	}
}

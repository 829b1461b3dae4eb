package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	internal_errors "github.com/xaenox/sql-assistant/internal/errors"
	"github.com/xaenox/sql-assistant/internal/lifecycle"
	"github.com/xaenox/sql-assistant/internal/models"
	"github.com/xaenox/sql-assistant/internal/table"
	"github.com/xaenox/sql-assistant/internal/threads"
	"github.com/xaenox/sql-assistant/internal/view"
	"go.uber.org/zap"
)

const maxTableRows = 20

// Sender is the part of the Telegram API the bot writes through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// chat is the conversation state of one Telegram user.
type chat struct {
	chatID  int64
	store   *threads.Store
	binding *view.Binding
}

type Bot struct {
	api      *tgbotapi.BotAPI
	sender   Sender
	gw       lifecycle.Gateway
	ctrlOpts []lifecycle.Option
	logger   *zap.Logger

	mu    sync.Mutex
	chats map[int64]*chat
}

func New(token string, gw lifecycle.Gateway, logger *zap.Logger, opts ...lifecycle.Option) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := newBot(api, gw, logger, opts...)
	b.api = api
	return b, nil
}

func newBot(sender Sender, gw lifecycle.Gateway, logger *zap.Logger, opts ...lifecycle.Option) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		sender:   sender,
		gw:       gw,
		ctrlOpts: opts,
		logger:   logger,
		chats:    make(map[int64]*chat),
	}
}

// Start reads updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.Close()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

// Close stops every user's running questions.
func (b *Bot) Close() {
	b.mu.Lock()
	chats := b.chats
	b.chats = make(map[int64]*chat)
	b.mu.Unlock()

	for _, c := range chats {
		c.binding.Close()
	}
}

// chatFor returns the state of the sender of message, creating it on first contact.
func (b *Bot) chatFor(message *tgbotapi.Message) *chat {
	userID := message.From.ID
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.chats[userID]; ok {
		return c
	}
	store := threads.NewStore()
	opts := append([]lifecycle.Option{
		lifecycle.WithUserID(userID),
		lifecycle.WithLogger(b.logger.With(zap.Int64("user_id", userID))),
	}, b.ctrlOpts...)
	ctrl := lifecycle.New(b.gw, store, opts...)
	c := &chat{chatID: message.Chat.ID, store: store, binding: view.NewBinding(store, ctrl, b.logger)}
	ctrl.Subscribe(func(t lifecycle.Transition) { b.onTransition(c, t) })
	b.chats[userID] = c
	return c
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	c := b.chatFor(message)

	// Handle commands
	if message.IsCommand() {
		b.handleCommand(ctx, c, message)
		return
	}

	question := strings.TrimSpace(message.Text)
	if question == "" {
		b.sendMessage(c.chatID, "Please send your question as text.")
		return
	}

	if err := c.binding.Ask(ctx, question); err != nil {
		b.logger.Error("Failed to submit question",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(c.chatID, internal_errors.UserMessage(err))
		return
	}
	b.sendMessage(c.chatID, "⏳ Working on it...")
}

// onTransition pushes finished questions back to the chat.
func (b *Bot) onTransition(c *chat, t lifecycle.Transition) {
	switch t.To {
	case lifecycle.PhaseResolved:
		th, ok := c.store.Thread(t.ThreadID)
		if !ok {
			return
		}
		for _, m := range th.Messages {
			if m.ID == t.MessageID && m.Result != nil {
				b.sendResult(c.chatID, m)
				return
			}
		}
	case lifecycle.PhaseFailed:
		b.sendErrorMessage(c.chatID, internal_errors.UserMessage(t.Err))
	case lifecycle.PhaseCancelled:
		b.sendMessage(c.chatID, "Query cancelled.")
	}
}

func (b *Bot) handleCommand(ctx context.Context, c *chat, message *tgbotapi.Message) {
	args := strings.TrimSpace(message.CommandArguments())
	switch message.Command() {
	case "start":
		b.handleStart(c)
	case "help":
		b.handleHelp(c)
	case "new":
		c.binding.NewChat()
		b.sendMessage(c.chatID, "Started a new conversation. Ask away!")
	case "threads":
		b.handleThreads(c)
	case "use":
		b.handleUse(c, args)
	case "rename":
		b.handleRename(c, args)
	case "delete":
		b.handleDelete(c)
	case "history":
		b.handleHistory(ctx, c)
	case "stop":
		c.binding.Stop()
	default:
		b.sendMessage(c.chatID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(c *chat) {
	welcome := `Welcome to SQL Assistant! 🔎
Ask me questions about your data in plain language and I'll answer with the SQL I ran and its results.

Try: How many vehicles are available?
Use /help to see all available commands.`

	b.sendMessage(c.chatID, welcome)
}

func (b *Bot) handleHelp(c *chat) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/new - Start a new conversation
/threads - List your conversations
/use N - Switch to conversation N
/rename TITLE - Rename the current conversation
/delete - Delete the current conversation
/history - Load your saved conversations
/stop - Stop the running question

Any other text is sent as a question.`

	b.sendMessage(c.chatID, help)
}

func (b *Bot) handleThreads(c *chat) {
	st := c.binding.Snapshot()
	if len(st.Threads) == 0 {
		b.sendMessage(c.chatID, "You don't have any conversations yet.")
		return
	}
	b.sendMessage(c.chatID, formatThreads(st))
}

func (b *Bot) handleUse(c *chat, args string) {
	st := c.binding.Snapshot()
	n, err := strconv.Atoi(args)
	if err != nil || n < 1 || n > len(st.Threads) {
		b.sendErrorMessage(c.chatID, fmt.Sprintf("Pick a conversation between 1 and %d, see /threads.", len(st.Threads)))
		return
	}
	th := st.Threads[n-1]
	c.binding.SelectChat(th.ID)
	b.sendMessage(c.chatID, "Switched to: "+th.Title)
}

func (b *Bot) handleRename(c *chat, title string) {
	id := c.store.ActiveThreadID()
	if id == "" {
		b.sendErrorMessage(c.chatID, "No active conversation.")
		return
	}
	if title == "" {
		b.sendErrorMessage(c.chatID, "Usage: /rename TITLE")
		return
	}
	c.binding.RenameChat(id, title)
	b.sendMessage(c.chatID, "Renamed to: "+title)
}

func (b *Bot) handleDelete(c *chat) {
	id := c.store.ActiveThreadID()
	if id == "" {
		b.sendErrorMessage(c.chatID, "No active conversation.")
		return
	}
	c.binding.DeleteChat(id)
	b.sendMessage(c.chatID, "Conversation deleted.")
}

func (b *Bot) handleHistory(ctx context.Context, c *chat) {
	if err := c.binding.Refresh(ctx); err != nil {
		b.logger.Error("Failed to load history",
			zap.Error(err),
			zap.Int64("chat_id", c.chatID))
		b.sendErrorMessage(c.chatID, "Sorry, I couldn't retrieve your conversation history.")
		return
	}
	b.handleThreads(c)
}

func formatThreads(st view.State) string {
	var sb strings.Builder
	sb.WriteString("Your conversations:\n")
	for i, th := range st.Threads {
		marker := "  "
		if th.Active {
			marker = "▶ "
		}
		fmt.Fprintf(&sb, "%s%d. %s", marker, i+1, th.Title)
		if th.Phase != lifecycle.PhaseIdle {
			sb.WriteString(" (running)")
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatResult(m models.Message) string {
	r := m.Result
	var sb strings.Builder
	fmt.Fprintf(&sb, "SQL:\n%s\n\n", r.SQL)
	switch {
	case r.Result.Error != nil:
		fmt.Fprintf(&sb, "The query failed: %s", *r.Result.Error)
	case len(r.Result.Results) == 0:
		sb.WriteString("No rows.")
	default:
		sb.WriteString(table.Render(r.Result.Columns, r.Result.Results, maxTableRows))
	}
	if len(r.Suggestions) > 0 {
		sb.WriteString("\n\nYou could also ask:")
		for _, s := range r.Suggestions {
			sb.WriteString("\n• " + s)
		}
	}
	return sb.String()
}

// sendResult posts an answer. Its suggestions become a one-time reply
// keyboard, so tapping one sends it back as the next question.
func (b *Bot) sendResult(chatID int64, m models.Message) {
	msg := tgbotapi.NewMessage(chatID, formatResult(m))
	if len(m.Result.Suggestions) > 0 {
		rows := make([][]tgbotapi.KeyboardButton, 0, len(m.Result.Suggestions))
		for _, s := range m.Result.Suggestions {
			rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(s)))
		}
		keyboard := tgbotapi.NewReplyKeyboard(rows...)
		keyboard.OneTimeKeyboard = true
		msg.ReplyMarkup = keyboard
	}
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send result",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

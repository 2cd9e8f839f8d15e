package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"medialink-bot-backend/internal/common/logger"
)

// InlineButton is one button of an inline keyboard.
type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// InlineKeyboard is the reply markup attached to a message.
type InlineKeyboard struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

// Row builds a one-row keyboard.
func Row(buttons ...InlineButton) *InlineKeyboard {
	return &InlineKeyboard{InlineKeyboard: [][]InlineButton{buttons}}
}

// Message is the subset of an incoming message the bot reads.
type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Caption   string `json:"caption"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	From  *Sender      `json:"from"`
	Photo []PhotoSize  `json:"photo"`
	Video *VideoRecord `json:"video"`
}

type Sender struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type PhotoSize struct {
	FileID string `json:"file_id"`
}

type VideoRecord struct {
	FileID string `json:"file_id"`
}

// CallbackQuery is a button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *Sender  `json:"from"`
	Message *Message `json:"message"`
	Data    string   `json:"data"`
}

// Update is one inbound event from the transport.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message"`
	CallbackQuery *CallbackQuery `json:"callback_query"`
}

type apiResponse struct {
	Ok          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

// Client talks to the Telegram Bot API over REST.
type Client struct {
	httpClient *http.Client
	pollClient *http.Client
	baseURL    string
}

func NewClient(token string, pollTimeout int) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// The poll client must outlive the long-poll window
		pollClient: &http.Client{Timeout: time.Duration(pollTimeout+10) * time.Second},
		baseURL:    "https://api.telegram.org/bot" + token,
	}
}

func (c *Client) call(ctx context.Context, client *http.Client, method string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if !decoded.Ok {
		return nil, fmt.Errorf("%s: %s", method, decoded.Description)
	}
	return decoded.Result, nil
}

func (c *Client) sendAndExtractID(ctx context.Context, method string, payload map[string]interface{}) (int64, error) {
	result, err := c.call(ctx, c.httpClient, method, payload)
	if err != nil {
		return 0, err
	}
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(result, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// SendText delivers a text message and returns the delivery identifier.
func (c *Client) SendText(ctx context.Context, chatID int64, text string, markup *InlineKeyboard) (int64, error) {
	payload := map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}
	id, err := c.sendAndExtractID(ctx, "sendMessage", payload)
	if err != nil {
		logger.Warn().Int64("chat_id", chatID).Err(err).Msg("Failed to send message")
	}
	return id, err
}

// SendPhoto delivers a photo by file id.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, fileID, caption string, markup *InlineKeyboard) (int64, error) {
	payload := map[string]interface{}{
		"chat_id": chatID,
		"photo":   fileID,
	}
	if caption != "" {
		payload["caption"] = caption
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}
	id, err := c.sendAndExtractID(ctx, "sendPhoto", payload)
	if err != nil {
		logger.Warn().Int64("chat_id", chatID).Err(err).Msg("Failed to send photo")
	}
	return id, err
}

// SendVideo delivers a video by file id.
func (c *Client) SendVideo(ctx context.Context, chatID int64, fileID, caption string, markup *InlineKeyboard) (int64, error) {
	payload := map[string]interface{}{
		"chat_id": chatID,
		"video":   fileID,
	}
	if caption != "" {
		payload["caption"] = caption
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}
	id, err := c.sendAndExtractID(ctx, "sendVideo", payload)
	if err != nil {
		logger.Warn().Int64("chat_id", chatID).Err(err).Msg("Failed to send video")
	}
	return id, err
}

// DeleteMessage removes a previously sent message.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	_, err := c.call(ctx, c.httpClient, "deleteMessage", map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
	})
	if err != nil {
		logger.Warn().Int64("chat_id", chatID).Int64("message_id", messageID).Err(err).Msg("Failed to delete message")
	}
	return err
}

// EditMessageMarkup replaces the inline keyboard of an existing message.
func (c *Client) EditMessageMarkup(ctx context.Context, chatID, messageID int64, markup *InlineKeyboard) error {
	_, err := c.call(ctx, c.httpClient, "editMessageReplyMarkup", map[string]interface{}{
		"chat_id":      chatID,
		"message_id":   messageID,
		"reply_markup": markup,
	})
	if err != nil {
		logger.Warn().Int64("chat_id", chatID).Int64("message_id", messageID).Err(err).Msg("Failed to edit message markup")
	}
	return err
}

// EditPromptLabel replaces a prompt's keyboard with a single inert button
// so every admin sees the decision that was taken.
func (c *Client) EditPromptLabel(ctx context.Context, chatID, messageID int64, label string) error {
	return c.EditMessageMarkup(ctx, chatID, messageID,
		Row(InlineButton{Text: label, CallbackData: "noop"}))
}

// AnswerCallback acknowledges a button press, optionally flashing a short
// notice to the user who pressed it.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	payload := map[string]interface{}{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	_, err := c.call(ctx, c.httpClient, "answerCallbackQuery", payload)
	if err != nil {
		logger.Warn().Str("callback_id", callbackID).Err(err).Msg("Failed to answer callback query")
	}
	return err
}

// GetUpdates long-polls for the next batch of updates.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	result, err := c.call(ctx, c.pollClient, "getUpdates", map[string]interface{}{
		"offset":  offset,
		"timeout": timeout,
	})
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// Package deepseek talks to the DeepSeek chat web API: it creates chats,
// answers proof-of-work challenges and decodes streamed completions.
package deepseek

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/llm"
	"github.com/meanwhile131/deepseek-cli/pow"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	createChatPath     = "/api/v0/chat_session/create"
	createPowPath      = "/api/v0/chat/create_pow_challenge"
	completionPath     = "/api/v0/chat/completion"
	historyMessagePath = "/api/v0/chat/history_messages"

	powHeader = "x-ds-pow-response"

	// apiTimeout bounds the non-streaming calls. Completions are bounded by
	// the caller's context only.
	apiTimeout = 30 * time.Second
)

type Options struct {
	BaseURL string
	Token   string
	Solver  pow.Solver
	// Headers are added to every request, e.g. a browser User-Agent.
	Headers    map[string]string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client is the transport for the chat web API.
type Client struct {
	baseURL string
	token   string
	solver  pow.Solver
	headers map[string]string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, errors.New("no DeepSeek token configured; set DEEPSEEK_TOKEN or deepseek.token")
	}
	if opts.Solver == nil {
		return nil, errors.New("no proof-of-work solver configured")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("no DeepSeek base URL configured")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		solver:  opts.Solver,
		headers: opts.Headers,
		http:    httpClient,
		log:     opts.Logger,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode request for %s", path)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build request for %s", path)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// doJSON performs a non-streaming call and returns the envelope's biz_data.
func (c *Client) doJSON(ctx context.Context, op, method, path string, body any) (gjson.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return gjson.Result{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, &llm.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, &llm.TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}
	return checkEnvelope(op, resp.StatusCode, data)
}

// checkEnvelope validates the {code, msg, data:{biz_code, biz_msg, biz_data}}
// wrapper every endpoint answers with.
func checkEnvelope(op string, status int, data []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		if status != http.StatusOK {
			return gjson.Result{}, &llm.TransportError{Op: op, Status: status, Err: errors.New("%s", truncate(string(data), 200))}
		}
		return gjson.Result{}, &llm.TransportError{Op: op, Status: status, Err: errors.New("response is not JSON")}
	}
	env := gjson.ParseBytes(data)
	if code := env.Get("code").Int(); code != 0 || status != http.StatusOK {
		return gjson.Result{}, &llm.TransportError{Op: op, Status: status, Err: errors.New("code %d: %s", code, env.Get("msg").String())}
	}
	if bizCode := env.Get("data.biz_code").Int(); bizCode != 0 {
		return gjson.Result{}, &llm.TransportError{Op: op, Status: status, Err: errors.New("biz_code %d: %s", bizCode, env.Get("data.biz_msg").String())}
	}
	biz := env.Get("data.biz_data")
	if !biz.Exists() {
		return gjson.Result{}, &llm.TransportError{Op: op, Status: status, Err: errors.New("response has no data.biz_data")}
	}
	return biz, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// CreateChat starts a new remote chat and returns its id.
func (c *Client) CreateChat(ctx context.Context) (string, error) {
	biz, err := c.doJSON(ctx, "create chat", http.MethodPost, createChatPath, struct{}{})
	if err != nil {
		return "", err
	}
	id := biz.Get("id").String()
	if id == "" {
		id = biz.Get("chat_session.id").String()
	}
	if id == "" {
		return "", &llm.TransportError{Op: "create chat", Err: errors.New("response has no chat id")}
	}
	c.log.Debug().Str("chat_id", id).Msg("created chat")
	return id, nil
}

// CurrentMessageID returns the id of the latest message in an existing chat,
// or nil if the chat is empty.
func (c *Client) CurrentMessageID(ctx context.Context, chatID string) (*int64, error) {
	path := historyMessagePath + "?chat_session_id=" + url.QueryEscape(chatID)
	biz, err := c.doJSON(ctx, "fetch chat history", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	cur := biz.Get("chat_session.current_message_id")
	if !cur.Exists() {
		cur = biz.Get("current_message_id")
	}
	if cur.Type != gjson.Number {
		return nil, nil
	}
	id := cur.Int()
	return &id, nil
}

type powRequest struct {
	TargetPath string `json:"target_path"`
}

// Challenge requests a proof-of-work challenge for the completion endpoint.
func (c *Client) Challenge(ctx context.Context) (pow.Challenge, error) {
	biz, err := c.doJSON(ctx, "create pow challenge", http.MethodPost, createPowPath, powRequest{TargetPath: completionPath})
	if err != nil {
		return pow.Challenge{}, err
	}
	raw := biz.Get("challenge")
	if !raw.IsObject() {
		return pow.Challenge{}, &llm.TransportError{Op: "create pow challenge", Err: errors.New("response has no challenge")}
	}
	var ch pow.Challenge
	if err := json.Unmarshal([]byte(raw.Raw), &ch); err != nil {
		return pow.Challenge{}, errors.Wrapf(err, "failed to decode pow challenge")
	}
	return ch, nil
}

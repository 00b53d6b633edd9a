package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaymux/relaymux/internal/codec"
	"github.com/relaymux/relaymux/internal/infrastructure/persistence"
	"github.com/relaymux/relaymux/internal/infrastructure/persistence/models"
	"github.com/relaymux/relaymux/internal/routing"
	"github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/safego"
)

const anthropicVersion = "2023-06-01"
const azureAPIVersion = "2024-06-01"

// ProxyHandler runs the gateway pipeline: authenticate, decode to IR,
// select a channel, re-encode for the upstream, relay, and log.
type ProxyHandler struct {
	store    *persistence.Store
	balancer *routing.Balancer
	client   *http.Client
	logger   *zap.Logger
	maxBody  int64
}

func NewProxyHandler(store *persistence.Store, balancer *routing.Balancer, client *http.Client, logger *zap.Logger, maxBody int64) *ProxyHandler {
	if client == nil {
		client = &http.Client{Timeout: 300 * time.Second}
	}
	if maxBody <= 0 {
		maxBody = 32 * 1024 * 1024
	}
	return &ProxyHandler{
		store:    store,
		balancer: balancer,
		client:   client,
		logger:   logger,
		maxBody:  maxBody,
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ProxyHandler) ChatCompletions(c *gin.Context) {
	h.proxy(c, codec.FormatOpenAIChat, "", false)
}

// Responses handles POST /v1/responses.
func (h *ProxyHandler) Responses(c *gin.Context) {
	h.proxy(c, codec.FormatOpenAIResponses, "", false)
}

// Messages handles POST /v1/messages.
func (h *ProxyHandler) Messages(c *gin.Context) {
	h.proxy(c, codec.FormatAnthropic, "", false)
}

// GeminiGenerate handles POST /v1beta/models/{model}:generateContent and
// :streamGenerateContent. The model name and stream flag live in the URL.
func (h *ProxyHandler) GeminiGenerate(c *gin.Context) {
	action := strings.TrimPrefix(c.Param("action"), "/")
	model, verb, ok := strings.Cut(action, ":")
	if !ok || model == "" {
		respondError(c, errors.NewBadRequest("Invalid model path"))
		return
	}
	switch verb {
	case "generateContent":
		h.proxy(c, codec.FormatGemini, model, false)
	case "streamGenerateContent":
		h.proxy(c, codec.FormatGemini, model, true)
	default:
		respondError(c, errors.NewBadRequest("Unsupported action: "+verb))
	}
}

func (h *ProxyHandler) proxy(c *gin.Context, inputFormat codec.Format, urlModel string, urlStream bool) {
	ctx := c.Request.Context()
	start := time.Now()

	token, err := authenticate(ctx, c, h.store)
	if err != nil {
		respondError(c, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody))
	if err != nil {
		respondError(c, errors.NewBadRequest("Failed to read request body: "+err.Error()))
		return
	}

	decoder := codec.NewDecoder(inputFormat)
	ir, err := decoder.DecodeRequest(body)
	if err != nil {
		respondError(c, err)
		return
	}
	if urlModel != "" {
		ir.Model = urlModel
		ir.Stream = urlStream
	}
	if ir.Model == "" {
		respondError(c, errors.NewBadRequest("Missing model"))
		return
	}

	outputFormat, err := resolveOutputFormat(c, inputFormat)
	if err != nil {
		respondError(c, err)
		return
	}

	if !token.AllowsModel(ir.Model) {
		respondError(c, errors.NewUnauthorized("Model not allowed: "+ir.Model))
		return
	}

	sel, err := h.balancer.Select(ctx, ir.Model)
	if err != nil {
		respondError(c, err)
		return
	}

	upstreamFormat, ok := codec.FormatFromProvider(sel.Channel.Provider)
	if !ok {
		respondError(c, errors.NewInternal("Unknown provider: "+sel.Channel.Provider))
		return
	}

	outputEncoder := codec.NewEncoder(outputFormat)
	upstreamEncoder := codec.NewEncoder(upstreamFormat)
	upstreamBody, err := upstreamEncoder.EncodeRequest(ir, sel.Mapping.ActualName)
	if err != nil {
		respondError(c, err)
		return
	}

	upstreamURL := buildUpstreamURL(upstreamFormat, sel.Channel.BaseURL, sel.Mapping.ActualName, ir.Stream)

	logEntry := &models.RequestLogModel{
		ID:             uuid.NewString(),
		TokenID:        token.ID,
		ChannelID:      sel.Channel.ID,
		Model:          ir.Model,
		Modality:       sel.Mapping.Modality,
		InputFormat:    inputFormat.String(),
		OutputFormat:   outputFormat.String(),
		RequestBody:    string(body),
		RequestHeaders: headerJSON(c.Request.Header),
		RequestURL:     c.Request.URL.String(),
		UpstreamURL:    upstreamURL,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(upstreamBody))
	if err != nil {
		respondError(c, errors.NewInternalWithCause("failed to build upstream request", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuthHeaders(req, upstreamFormat, sel.APIKey)

	resp, err := h.client.Do(req)
	if err != nil {
		h.balancer.Circuit().RecordFailure(sel.Channel.ID)
		logEntry.LatencyMs = time.Since(start).Milliseconds()
		h.writeLog(logEntry)
		respondError(c, errors.NewHTTPClient(err))
		return
	}
	defer resp.Body.Close()

	logEntry.ResponseHeaders = headerJSON(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
		h.balancer.Circuit().RecordFailure(sel.Channel.ID)
		status := resp.StatusCode
		logEntry.Status = &status
		logEntry.ResponseBody = string(errBody)
		logEntry.LatencyMs = time.Since(start).Milliseconds()
		h.writeLog(logEntry)
		respondError(c, errors.NewUpstream(resp.StatusCode, string(errBody)))
		return
	}

	h.balancer.Circuit().RecordSuccess(sel.Channel.ID)

	if ir.Stream {
		h.streamResponse(c, resp, codec.NewDecoder(upstreamFormat), outputEncoder, logEntry, start)
		return
	}
	h.bufferedResponse(c, resp, codec.NewDecoder(upstreamFormat), outputEncoder, token, logEntry, start)
}

func (h *ProxyHandler) bufferedResponse(c *gin.Context, resp *http.Response, upstreamDecoder codec.Decoder, outputEncoder codec.Encoder, token *models.TokenModel, logEntry *models.RequestLogModel, start time.Time) {
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		respondError(c, errors.NewHTTPClient(err))
		return
	}

	irResp, err := upstreamDecoder.DecodeResponse(respBody)
	if err != nil {
		respondError(c, err)
		return
	}
	encoded, err := outputEncoder.EncodeResponse(irResp)
	if err != nil {
		respondError(c, err)
		return
	}

	status := resp.StatusCode
	logEntry.Status = &status
	logEntry.ResponseBody = string(encoded)
	logEntry.LatencyMs = time.Since(start).Milliseconds()
	if irResp.Usage != nil {
		logEntry.PromptTokens = irResp.Usage.PromptTokens
		logEntry.CompletionTokens = irResp.Usage.CompletionTokens
	}
	h.writeLog(logEntry)

	if irResp.Usage != nil {
		used := irResp.Usage.PromptTokens + irResp.Usage.CompletionTokens
		if err := h.store.AddQuotaUsed(context.Background(), token.ID, used); err != nil {
			h.logger.Error("failed to update quota", zap.Error(err))
		}
	}

	c.Data(resp.StatusCode, "application/json", encoded)
}

func (h *ProxyHandler) streamResponse(c *gin.Context, resp *http.Response, upstreamDecoder codec.Decoder, outputEncoder codec.Encoder, logEntry *models.RequestLogModel, start time.Time) {
	// The log row goes in before the body so aborted streams still leave a
	// trace; the response body lands in an update afterwards.
	status := resp.StatusCode
	logEntry.Status = &status
	logEntry.LatencyMs = time.Since(start).Milliseconds()
	h.writeLog(logEntry)

	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	transducer := newStreamTransducer(upstreamDecoder, outputEncoder, h.logger)
	responseBody := transducer.run(resp.Body, c.Writer)

	logID := logEntry.ID
	safego.Go(h.logger, "request-log-update", func() {
		if err := h.store.UpdateRequestLogResponse(context.Background(), logID, responseBody); err != nil {
			h.logger.Error("failed to update request log", zap.String("id", logID), zap.Error(err))
		}
	})
}

func (h *ProxyHandler) writeLog(entry *models.RequestLogModel) {
	// Logging must never fail a request.
	if err := h.store.InsertRequestLog(context.Background(), entry); err != nil {
		h.logger.Error("failed to write request log", zap.Error(err))
	}
}

func buildUpstreamURL(format codec.Format, baseURL, model string, stream bool) string {
	base := strings.TrimRight(baseURL, "/")
	switch format {
	case codec.FormatOpenAIResponses:
		return base + "/v1/responses"
	case codec.FormatAnthropic:
		return base + "/v1/messages"
	case codec.FormatGemini:
		if stream {
			return base + "/v1beta/models/" + model + ":streamGenerateContent?alt=sse"
		}
		return base + "/v1beta/models/" + model + ":generateContent"
	case codec.FormatAzure:
		// The deployment path is part of the configured base URL.
		return base + "/chat/completions?api-version=" + azureAPIVersion
	default:
		return base + "/v1/chat/completions"
	}
}

func applyAuthHeaders(req *http.Request, format codec.Format, apiKey string) {
	switch format {
	case codec.FormatAnthropic:
		req.Header.Set("x-api-key", apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	case codec.FormatGemini:
		req.Header.Set("x-goog-api-key", apiKey)
	case codec.FormatAzure:
		req.Header.Set("api-key", apiKey)
	default:
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

func headerJSON(h http.Header) string {
	b, err := json.Marshal(h)
	if err != nil {
		return "{}"
	}
	return string(b)
}

package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenLend-Chain/internal/auth"
	xerrors "OpenLend-Chain/internal/errors"
	"OpenLend-Chain/internal/message"
	"OpenLend-Chain/internal/observability/metrics"
)

// Server 负责暴露 REST 接口，供聊天前端提交消息并查询处理结果。
type Server struct {
	addr     string
	messages *message.Service
	auth     *auth.Service
}

// NewServer 构造 API 服务实例。auth 可以为空，此时所有接口匿名开放。
func NewServer(addr string, messages *message.Service, authSvc *auth.Service) *Server {
	return &Server{addr: addr, messages: messages, auth: authSvc}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 组装完整的路由表，便于测试直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	protect := func(name string, handler http.HandlerFunc) http.Handler {
		wrapped := instrument(name, handler)
		if s.auth == nil {
			return wrapped
		}
		middleware := s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodPost: {"messages:write"},
				http.MethodGet:  {"messages:read"},
			},
			AuditEvent: name,
		})
		return middleware(wrapped)
	}

	mux.Handle("/api/v1/messages", protect("messages", s.handleMessages))
	mux.Handle("/api/v1/messages/stats", protect("messages_stats", s.handleStats))
	mux.Handle("/api/v1/messages/", protect("message_get", s.handleMessageByID))
	mux.Handle("/api/v1/auth/token", instrument("auth_token", s.handleToken))
	mux.Handle("/healthz", instrument("healthz", s.handleHealth))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET/POST", "")
	}
}

// submitPayload 是消息提交接口的请求体。
type submitPayload struct {
	ID       string            `json:"id,omitempty"`
	UserID   string            `json:"user_id"`
	Address  string            `json:"address"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		writeError(w, http.StatusServiceUnavailable, "消息服务未初始化", "")
		return
	}
	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败", "")
		return
	}

	ctx := r.Context()
	msg, err := s.messages.Submit(ctx, message.SubmitRequest{
		ID:       payload.ID,
		UserID:   payload.UserID,
		Address:  payload.Address,
		Text:     payload.Text,
		Metadata: payload.Metadata,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// wait 参数允许调用方同步等待处理结果，省去前端轮询。
	if raw := r.URL.Query().Get("wait"); raw != "" {
		timeout, parseErr := time.ParseDuration(raw)
		if parseErr != nil || timeout <= 0 {
			writeError(w, http.StatusBadRequest, "wait 参数必须是正的时间长度", "")
			return
		}
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if completed, waitErr := s.messages.WaitUntilCompleted(waitCtx, msg.ID, 0); waitErr == nil {
			msg = completed
		}
	}

	writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET", "")
		return
	}
	if s.messages == nil {
		writeError(w, http.StatusServiceUnavailable, "消息服务未初始化", "")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/messages/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "消息不存在", "")
		return
	}
	msg, err := s.messages.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		writeError(w, http.StatusServiceUnavailable, "消息服务未初始化", "")
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	messages, err := s.messages.List(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages, "count": len(messages)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET", "")
		return
	}
	if s.messages == nil {
		writeError(w, http.StatusServiceUnavailable, "消息服务未初始化", "")
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	stats, err := s.messages.Stats(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 POST", "")
		return
	}
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		writeError(w, http.StatusNotFound, "未启用身份认证", "")
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败", "")
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if stdErrors.Is(err, auth.ErrUnsupportedGrant) {
			status = http.StatusBadRequest
		}
		writeError(w, status, "认证失败", "")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseListOptions 把查询参数翻译为列表过滤选项。
func parseListOptions(r *http.Request) ([]message.ListOption, error) {
	query := r.URL.Query()
	var opts []message.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, stdErrors.New("limit 参数必须是非负整数")
		}
		opts = append(opts, message.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, stdErrors.New("offset 参数必须是非负整数")
		}
		opts = append(opts, message.WithOffset(offset))
	}
	if userID := query.Get("user_id"); userID != "" {
		opts = append(opts, message.WithUser(userID))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []message.Status
		for _, part := range strings.Split(raw, ",") {
			status := message.Status(strings.ToLower(strings.TrimSpace(part)))
			if !message.IsValidStatus(status) {
				return nil, stdErrors.New("不支持的消息状态: " + string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, message.WithStatuses(statuses...))
	}
	if raw := query.Get("updated_since"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, stdErrors.New("updated_since 参数必须是 unix 秒或 RFC3339 时间")
		}
		opts = append(opts, message.WithUpdatedSince(ts))
	}
	if raw := query.Get("updated_until"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, stdErrors.New("updated_until 参数必须是 unix 秒或 RFC3339 时间")
		}
		opts = append(opts, message.WithUpdatedUntil(ts))
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, stdErrors.New("has_result 参数必须是布尔值")
		}
		opts = append(opts, message.WithResultPresence(hasResult))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, message.WithQuery(q))
	}
	if raw := query.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "asc":
			opts = append(opts, message.WithSortOrder(message.SortByUpdatedAsc))
		case "desc":
			opts = append(opts, message.WithSortOrder(message.SortByUpdatedDesc))
		default:
			return nil, stdErrors.New("order 参数仅支持 asc/desc")
		}
	}
	return opts, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// writeServiceError 把服务层错误翻译为 HTTP 状态码与统一的错误响应。
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case stdErrors.Is(err, message.ErrMessageNotFound):
		status = http.StatusNotFound
	case xerrors.CodeOf(err) == message.CodeMessageValidation,
		xerrors.CodeOf(err) == xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeOf(err) == message.CodeMessagePublish:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error(), string(xerrors.CodeOf(err)))
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	body := map[string]string{"error": msg}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// instrument 记录每个端点的请求量与时延指标。
func instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

// statusRecorder 捕获写入的状态码用于指标上报。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "服务已关闭", "")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "OpenMCP-Chat/internal/errors"
	"OpenMCP-Chat/internal/task"
	"OpenMCP-Chat/internal/usage"
)

// TaskListResponse 返回任务列表与对应统计。
type TaskListResponse struct {
	Tasks []*task.Task   `json:"tasks"`
	Stats task.TaskStats `json:"stats"`
}

// StatsResponse 汇总用量账本、任务与活跃会话。
type StatsResponse struct {
	Usage          *usage.Summary  `json:"usage,omitempty"`
	Tasks          *task.TaskStats `json:"tasks,omitempty"`
	ActiveSessions int             `json:"active_sessions"`
	UptimeSeconds  int64           `json:"uptime_seconds"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.writeError(w, unavailable("tasks"))
		return
	}
	var req task.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.writeError(w, unavailable("tasks"))
		return
	}
	opts, err := parseTaskQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, TaskListResponse{Tasks: list, Stats: stats})
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.writeError(w, unavailable("tasks"))
		return
	}
	found, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{UptimeSeconds: int64(time.Since(s.started).Seconds())}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))

	if s.usage != nil {
		summary, err := s.usage.Summary(r.Context(), usage.Filter{UserID: userID})
		if err != nil {
			s.writeError(w, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取用量汇总失败"))
			return
		}
		resp.Usage = &summary
	}
	if s.tasks != nil {
		stats, err := s.tasks.Stats(r.Context(), task.WithUser(userID))
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp.Tasks = &stats
	}
	if s.sessions != nil {
		resp.ActiveSessions = len(s.sessions.Active())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.tools != nil {
		body["tools"] = len(s.tools.Tools())
	}
	s.writeJSON(w, http.StatusOK, body)
}

// parseTaskQuery 把查询参数转换为任务过滤条件。
func parseTaskQuery(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if status == "" {
				continue
			}
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if raw := q.Get("until"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithUpdatedUntil(ts))
	}
	if raw := q.Get("has_result"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_result 必须为布尔值")
		}
		opts = append(opts, task.WithResultPresence(has))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if raw := q.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	if raw := q.Get("session_id"); raw != "" {
		opts = append(opts, task.WithSession(raw))
	}
	if raw := q.Get("user_id"); raw != "" {
		opts = append(opts, task.WithUser(raw))
	}
	return opts, nil
}

// parseTimestamp 接受 Unix 秒或 RFC3339。
func parseTimestamp(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, xerrors.New(xerrors.CodeInvalidArgument, "时间参数必须为 Unix 秒或 RFC3339: "+raw)
	}
	return ts, nil
}

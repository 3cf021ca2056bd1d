package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/loyalty/loyalty-service/internal/domain"
	"github.com/loyalty/loyalty-service/internal/store"
)

const maxNotificationPageSize = 100

func parseRecipientID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("recipient_id")))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// ListNotificationsHandler lists a recipient's inbox, newest first.
func (h *Handlers) ListNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := parseRecipientID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "Invalid recipient_id")
		return
	}

	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 50)
	if err != nil || limit == 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if limit > maxNotificationPageSize {
		limit = maxNotificationPageSize
	}
	offset, err := parseOptionalPositiveInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}
	unreadOnly := false
	if raw := strings.TrimSpace(r.URL.Query().Get("unread")); raw != "" {
		unreadOnly, err = strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid unread filter")
			return
		}
	}

	items, err := h.notifications.ListNotifications(r.Context(), recipientID, domain.NotificationListOptions{
		Limit:      limit,
		Offset:     offset,
		UnreadOnly: unreadOnly,
	})
	if err != nil {
		h.logger.Error("could not list notifications", "component", "api", "endpoint", "list_notifications", "recipient_id", recipientID, "err", err)
		h.writeError(w, http.StatusInternalServerError, "Could not retrieve notifications.")
		return
	}
	if items == nil {
		items = []domain.Notification{}
	}
	h.writeJSON(w, http.StatusOK, items)
}

// MarkNotificationReadHandler marks one notification as read.
func (h *Handlers) MarkNotificationReadHandler(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := parseRecipientID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "Invalid recipient_id")
		return
	}
	notificationID, err := uuid.Parse(chi.URLParam(r, "notificationID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid notification ID")
		return
	}

	if err := h.notifications.MarkRead(r.Context(), recipientID, notificationID); err != nil {
		if errors.Is(err, store.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "Notification not found.")
			return
		}
		h.logger.Error("could not mark notification read", "component", "api", "endpoint", "mark_notification_read", "notification_id", notificationID, "err", err)
		h.writeError(w, http.StatusInternalServerError, "Could not update notification.")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Notification marked as read"})
}

package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/commercecms/notify/src/server/model"
	"github.com/commercecms/notify/src/server/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestRouter wires the full handler stack against an in-memory database
// with an empty connection registry. No email or SMS collaborators.
func newTestRouter(t *testing.T) (*gin.Engine, *model.NotificationModel, *model.PreferenceModel) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := model.InitSchema(db); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	registry := service.NewConnectionRegistry()
	hub := service.NewHub(registry)
	notifModel := &model.NotificationModel{DB: db}
	prefModel := &model.PreferenceModel{DB: db}

	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		Store:     notifModel,
		Prefs:     prefModel,
		Registry:  registry,
		Transport: hub,
	})

	router := gin.New()
	RegisterRoutes(router, &NotificationHandlers{
		Dispatcher: dispatcher,
		Hub:        hub,
		Registry:   registry,
		Store:      notifModel,
		DB:         db,
	})
	return router, notifModel, prefModel
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleWebSocket_RejectsMissingIdentity(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/ws/notifications", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without identity header", w.Code)
	}
}

func TestSendNotification_PersistsRecord(t *testing.T) {
	router, notifModel, prefModel := newTestRouter(t)
	if err := prefModel.UpsertPreferences(context.Background(), &model.DeliveryPreferences{
		UserID: "u1", PushEnabled: true,
	}); err != nil {
		t.Fatalf("failed to seed preferences: %v", err)
	}

	w := doJSON(router, "POST", "/api/v1/notifications/send", gin.H{
		"user_id": "u1",
		"subject": "Order approved",
		"content": "Your order #123 was approved",
		"url":     "/orders/123",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	unread, err := notifModel.UnreadCount(context.Background(), "u1")
	if err != nil {
		t.Fatalf("UnreadCount() error = %v", err)
	}
	if unread != 1 {
		t.Errorf("unread = %d, want 1 after dispatch", unread)
	}
}

func TestSendNotification_ValidatesInput(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, "POST", "/api/v1/notifications/send", gin.H{"user_id": "u1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without subject", w.Code)
	}

	w = doJSON(router, "POST", "/api/v1/notifications/send", gin.H{"subject": "s"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without user_id", w.Code)
	}
}

func TestSendReply_ValidatesInput(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, "POST", "/api/v1/notifications/reply", gin.H{
		"user_id": "u1", "subject": "s",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without connection_id", w.Code)
	}
}

func TestBroadcast_EmptyGroup(t *testing.T) {
	router, notifModel, _ := newTestRouter(t)

	w := doJSON(router, "POST", "/api/v1/notifications/broadcast", gin.H{
		"group":   "editors",
		"subject": "Maintenance tonight",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	// Broadcasts are push-only; nothing lands in the store.
	unread, err := notifModel.UnreadCount(context.Background(), "u1")
	if err != nil {
		t.Fatalf("UnreadCount() error = %v", err)
	}
	if unread != 0 {
		t.Errorf("unread = %d, broadcast must not persist records", unread)
	}
}

func TestListNotifications(t *testing.T) {
	router, notifModel, _ := newTestRouter(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := notifModel.Insert(ctx, &model.Notification{UserID: "u1", Subject: "s"}); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	w := doJSON(router, "GET", "/api/v1/users/u1/notifications?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		OK   bool `json:"ok"`
		Data struct {
			Notifications []model.Notification `json:"notifications"`
			UnreadCount   int                  `json:"unread_count"`
			Count         int                  `json:"count"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.OK {
		t.Error("ok = false, want true")
	}
	if resp.Data.Count != 2 {
		t.Errorf("count = %d, want page of 2", resp.Data.Count)
	}
	if resp.Data.UnreadCount != 3 {
		t.Errorf("unread_count = %d, want 3 independent of the page", resp.Data.UnreadCount)
	}
}

func TestMarkRead(t *testing.T) {
	router, notifModel, _ := newTestRouter(t)
	ctx := context.Background()
	id, err := notifModel.Insert(ctx, &model.Notification{UserID: "u1", Subject: "s"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	w := doJSON(router, "PUT", "/api/v1/users/u1/notifications/"+itoa(id)+"/read", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	unread, _ := notifModel.UnreadCount(ctx, "u1")
	if unread != 0 {
		t.Errorf("unread = %d after mark read, want 0", unread)
	}
}

func TestMarkRead_WrongUser(t *testing.T) {
	router, notifModel, _ := newTestRouter(t)
	id, err := notifModel.Insert(context.Background(), &model.Notification{UserID: "u1", Subject: "s"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	w := doJSON(router, "PUT", "/api/v1/users/u2/notifications/"+itoa(id)+"/read", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for another user's record", w.Code)
	}
}

func TestMarkRead_InvalidID(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, "PUT", "/api/v1/users/u1/notifications/abc/read", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a non-numeric id", w.Code)
	}
}

func TestUnreadCountEndpoint(t *testing.T) {
	router, notifModel, _ := newTestRouter(t)
	if _, err := notifModel.Insert(context.Background(), &model.Notification{UserID: "u1", Subject: "s"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	w := doJSON(router, "GET", "/api/v1/users/u1/notifications/count", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Data struct {
			UnreadCount int `json:"unread_count"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Data.UnreadCount != 1 {
		t.Errorf("unread_count = %d, want 1", resp.Data.UnreadCount)
	}
}

func TestHealthz(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

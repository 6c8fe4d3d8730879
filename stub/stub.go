// SPDX-License-Identifier: MIT

// Package stub is an in-memory Tatsumaki server implementing the
// whole REST and push surface the client consumes.  It backs the
// package tests and can run standalone (examples/stubserver) for
// frontend development.  Nothing is persisted.
package stub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/PandaX185/tatsumaki-go/chat"
)

type subscriber struct {
	userID int64
	frames chan frame
}

// frame is one SSE event waiting to be written out.
type frame struct {
	event string
	data  []byte
}

type Server struct {
	router *chi.Mux
	log    *slog.Logger

	mu        sync.Mutex
	userSeq   int64
	chatSeq   int64
	users     map[int64]chat.User
	tokens    map[string]int64
	chats     map[int64]chat.Chat
	chatOrder []int64
	messages  map[int64][]chat.Message
	unread    map[int64]map[int64]bool // userID -> chatID -> unread
	subs      map[*subscriber]struct{}
}

func NewServer() *Server {
	s := &Server{
		log:      slog.Default(),
		users:    make(map[int64]chat.User),
		tokens:   make(map[string]int64),
		chats:    make(map[int64]chat.Chat),
		messages: make(map[int64][]chat.Message),
		unread:   make(map[int64]map[int64]bool),
		subs:     make(map[*subscriber]struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/api/realtime/messages", s.handleStream)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/api/users/current", s.handleCurrentUser)
		r.Get("/api/users/{query}", s.handleSearchUsers)
		r.Get("/api/chats", s.handleListChats)
		r.Post("/api/chats", s.handleCreateChat)
		r.Patch("/api/chats/{chatID}", s.handleUpdateChat)
		r.Delete("/api/chats/{chatID}", s.handleDeleteChat)
		r.Get("/api/chats/{chatID}/members", s.handleMembers)
		r.Get("/api/messages/{chatID}", s.handleHistory)
		r.Post("/api/messages", s.handlePostMessage)
		r.Post("/api/messages/{chatID}/read", s.handleMarkRead)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves the stub on addr until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}
	s.log.Info("stub server listening", "addr", addr)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// AddUser registers a user and returns it with its bearer token.
func (s *Server) AddUser(username, fullname string) (chat.User, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userSeq++
	u := chat.User{ID: s.userSeq, Username: username, Fullname: fullname}
	s.users[u.ID] = u

	token := uuid.NewString()
	s.tokens[token] = u.ID
	s.unread[u.ID] = make(map[int64]bool)
	return u, token
}

// AddChat creates a chat directly, bypassing the REST surface.
// Useful for seeding test fixtures.
func (s *Server) AddChat(name string, memberIDs ...int64) chat.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addChatLocked(name, memberIDs)
}

func (s *Server) addChatLocked(name string, memberIDs []int64) chat.Chat {
	s.chatSeq++
	c := chat.Chat{ID: s.chatSeq, Name: name, Members: append([]int64(nil), memberIDs...)}
	s.chats[c.ID] = c
	s.chatOrder = append(s.chatOrder, c.ID)
	return c
}

// auth resolves the bearer token; unknown tokens get 401.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		userID, ok := s.tokens[token]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type userIDKey struct{}

func requester(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey{}).(int64)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func chatIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	u := s.users[requester(r)]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	query := strings.ToLower(chi.URLParam(r, "query"))
	me := requester(r)

	s.mu.Lock()
	var result []chat.User
	for _, u := range s.users {
		if u.ID == me {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), query) ||
			strings.Contains(strings.ToLower(u.Fullname), query) {
			result = append(result, u)
		}
	}
	s.mu.Unlock()

	// Deliberately echo null for an empty result, like the real
	// server does: clients must normalize.
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	me := requester(r)

	s.mu.Lock()
	var result []chat.Chat
	for _, id := range s.chatOrder {
		c := s.chats[id]
		if isMember(c, me) {
			result = append(result, c)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string  `json:"chat_name"`
		Members []int64 `json:"chat_members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	me := requester(r)
	members := body.Members
	if !contains(members, me) {
		members = append(members, me)
	}

	s.mu.Lock()
	c := s.addChatLocked(body.Name, members)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	id, err := chatIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var body struct {
		Name    *string  `json:"chat_name"`
		Members *[]int64 `json:"chat_members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	c, ok := s.chats[id]
	if ok {
		if body.Name != nil {
			c.Name = *body.Name
		}
		if body.Members != nil {
			c.Members = append([]int64(nil), (*body.Members)...)
		}
		s.chats[id] = c
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id, err := chatIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	delete(s.chats, id)
	delete(s.messages, id)
	for i, cid := range s.chatOrder {
		if cid == id {
			s.chatOrder = append(s.chatOrder[:i], s.chatOrder[i+1:]...)
			break
		}
	}
	for _, set := range s.unread {
		delete(set, id)
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	id, err := chatIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	c, ok := s.chats[id]
	var result []chat.User
	if ok {
		for _, uid := range c.Members {
			if u, exists := s.users[uid]; exists {
				result = append(result, u)
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := chatIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	msgs := append([]chat.Message(nil), s.messages[id]...)
	s.mu.Unlock()

	// Chats without history produce null, not [].
	if len(msgs) == 0 {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChatID   int64  `json:"chat_id"`
		SenderID int64  `json:"sender_id"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Authorship comes from the token, not the request body.
	me := requester(r)

	s.mu.Lock()
	c, ok := s.chats[body.ChatID]
	if !ok || !isMember(c, me) {
		s.mu.Unlock()
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}

	m := chat.Message{
		ID:         uuid.NewString(),
		ChatID:     c.ID,
		SenderID:   me,
		SenderName: s.users[me].Username,
		Content:    body.Content,
		CreatedAt:  time.Now().UTC(),
	}
	s.messages[c.ID] = append(s.messages[c.ID], m)

	// Every member gets the message pushed, the sender included: the
	// client's dedup collapses the echo.  Other members also get the
	// chat flagged unread.
	data, _ := json.Marshal(m)
	for _, uid := range c.Members {
		s.pushLocked(uid, frame{event: "msg", data: data})
		if uid != me {
			if s.unread[uid] == nil {
				s.unread[uid] = make(map[int64]bool)
			}
			s.unread[uid][c.ID] = true
			s.pushUnreadLocked(uid)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := chatIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	me := requester(r)
	s.mu.Lock()
	if set := s.unread[me]; set != nil {
		delete(set, id)
	}
	s.pushUnreadLocked(me)
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

// handleStream is the SSE endpoint.  EventSource cannot set headers,
// so the token rides in the query string.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	s.mu.Lock()
	userID, ok := s.tokens[token]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := &subscriber{userID: userID, frames: make(chan frame, 64)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	// The connection starts with the server's current unread view.
	s.pushUnreadLocked(userID)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	for {
		select {
		case f := <-sub.frames:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) pushLocked(userID int64, f frame) {
	for sub := range s.subs {
		if sub.userID != userID {
			continue
		}
		select {
		case sub.frames <- f:
		default:
			// Slow consumer, drop the frame.
		}
	}
}

func (s *Server) pushUnreadLocked(userID int64) {
	ids := make([]int64, 0, len(s.unread[userID]))
	for id := range s.unread[userID] {
		ids = append(ids, id)
	}
	data, _ := json.Marshal(ids)
	s.pushLocked(userID, frame{event: "unread", data: data})
}

func isMember(c chat.Chat, userID int64) bool {
	return contains(c.Members, userID)
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Package apitest provides an in-memory API server for executor tests.
//
// The fake stores resources in maps and evaluates the small subset of
// query documents the executors actually emit: equality, $in, $nin,
// $regex, $and and $or over top-level and engine._id fields.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"

	"github.com/perfectstorm/storm/pkg/types"
)

// Server is an in-memory Perfect Storm API server.
type Server struct {
	mu sync.Mutex

	Groups   map[string]*types.Group
	Members  map[string]map[string]bool
	Recipes  map[string]*types.Recipe
	Apps     map[string]*types.Application
	Nodes    map[string]*types.Node
	Triggers map[string]*types.Trigger

	// OnTrigger, when set, completes each created trigger synchronously:
	// it returns the terminal status and result. Without it triggers stay
	// pending. It runs with the store lock held; callbacks may mutate the
	// exported maps directly but must not call the locking helpers.
	OnTrigger func(*types.Trigger) (string, map[string]any)

	// TriggerLog records every created trigger in creation order.
	TriggerLog []*types.Trigger

	seq  int
	http *httptest.Server
}

// NewServer starts an empty fake API server.
func NewServer() *Server {
	s := &Server{
		Groups:   make(map[string]*types.Group),
		Members:  make(map[string]map[string]bool),
		Recipes:  make(map[string]*types.Recipe),
		Apps:     make(map[string]*types.Application),
		Nodes:    make(map[string]*types.Node),
		Triggers: make(map[string]*types.Trigger),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/groups/", s.handleGroups)
	mux.HandleFunc("/v1/recipes/", s.handleRecipes)
	mux.HandleFunc("/v1/apps/", s.handleApps)
	mux.HandleFunc("/v1/nodes/", s.handleNodes)
	mux.HandleFunc("/v1/triggers/", s.handleTriggers)
	s.http = httptest.NewServer(mux)
	return s
}

// URL returns the server's base URL.
func (s *Server) URL() string { return s.http.URL }

// Close shuts the server down.
func (s *Server) Close() { s.http.Close() }

// AddGroup stores a group with no explicit members.
func (s *Server) AddGroup(g *types.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Groups[g.Identifier] = g
	if s.Members[g.Identifier] == nil {
		s.Members[g.Identifier] = make(map[string]bool)
	}
}

// AddPhysicalNode stores a machine record plus its port record and returns
// the machine.
func (s *Server) AddPhysicalNode(cloudID, ip string, up bool) *types.Node {
	status := types.StatusDown
	if up {
		status = types.StatusUp
	}
	node := &types.Node{
		CloudID:  cloudID,
		Name:     cloudID,
		NodeType: types.NodeTypeEngine,
		Type:     types.TypePhysicalServer,
		Status:   status,
		Engine:   &types.Engine{ID: "eng-" + cloudID, Type: "docker"},
	}
	port := &types.Node{
		CloudID:   "port-" + cloudID,
		NodeType:  types.NodeTypePort,
		Engine:    &types.Engine{ID: cloudID},
		IPAddress: fmt.Sprintf(`{"%s": {}}`, ip),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Nodes[node.CloudID] = node
	s.Nodes[port.CloudID] = port
	return node
}

// AddContainer stores a container record hosted on the given machine.
func (s *Server) AddContainer(cloudID string, host *types.Node, up bool) *types.Node {
	status := types.StatusDown
	if up {
		status = types.StatusUp
	}
	container := &types.Node{
		CloudID:  cloudID,
		Name:     cloudID,
		NodeType: types.NodeTypeEngine,
		Type:     "CONTAINER",
		Status:   status,
		Engine:   &types.Engine{ID: host.Engine.ID, Type: "docker"},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Nodes[container.CloudID] = container
	return container
}

// Join adds resources to a group's explicit membership.
func (s *Server) Join(group string, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Members[group] == nil {
		s.Members[group] = make(map[string]bool)
	}
	for _, id := range ids {
		s.Members[group][id] = true
	}
}

// SetStatus flips a stored node's status.
func (s *Server) SetStatus(cloudID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.Nodes[cloudID]; ok {
		n.Status = status
	}
}

// Complete transitions a stored trigger to the given terminal status.
func (s *Server) Complete(uuid, status string, result map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.Triggers[uuid]; ok {
		t.Status = status
		t.Result = result
	}
}

// TriggersNamed returns logged triggers whose recipe argument matches.
func (s *Server) TriggersNamed(recipe string) []*types.Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Trigger
	for _, t := range s.TriggerLog {
		if name, _ := t.Arguments["recipe"].(string); name == recipe {
			out = append(out, t)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	http.Error(w, `{"detail": "not found"}`, http.StatusNotFound)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rest := strings.TrimPrefix(r.URL.Path, "/v1/groups/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case rest == "":
		switch r.Method {
		case http.MethodGet:
			out := make([]*types.Group, 0, len(s.Groups))
			for _, g := range s.Groups {
				out = append(out, g)
			}
			writeJSON(w, http.StatusOK, out)
		case http.MethodPost:
			var g types.Group
			_ = json.NewDecoder(r.Body).Decode(&g)
			if _, exists := s.Groups[g.Identifier]; exists {
				http.Error(w, `{"detail": "duplicate"}`, http.StatusConflict)
				return
			}
			s.Groups[g.Identifier] = &g
			if s.Members[g.Identifier] == nil {
				s.Members[g.Identifier] = make(map[string]bool)
			}
			writeJSON(w, http.StatusCreated, &g)
		}
	case len(parts) == 1:
		g, ok := s.Groups[parts[0]]
		if !ok {
			notFound(w)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, g)
		case http.MethodPut:
			var next types.Group
			_ = json.NewDecoder(r.Body).Decode(&next)
			s.Groups[parts[0]] = &next
			writeJSON(w, http.StatusOK, &next)
		case http.MethodDelete:
			delete(s.Groups, parts[0])
			delete(s.Members, parts[0])
			w.WriteHeader(http.StatusNoContent)
		}
	case len(parts) == 2 && parts[1] == "members":
		if _, ok := s.Groups[parts[0]]; !ok {
			notFound(w)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, s.membersLocked(parts[0], r.URL.Query().Get("q")))
		case http.MethodPost:
			var body struct {
				Include []string `json:"include"`
				Exclude []string `json:"exclude"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			for _, id := range body.Include {
				s.Members[parts[0]][id] = true
			}
			for _, id := range body.Exclude {
				delete(s.Members[parts[0]], id)
			}
			w.WriteHeader(http.StatusOK)
		}
	default:
		notFound(w)
	}
}

func (s *Server) membersLocked(group, q string) []*types.Node {
	matcher := parseQuery(q)
	out := []*types.Node{}
	for id := range s.Members[group] {
		node, ok := s.Nodes[id]
		if !ok {
			continue
		}
		if matcher(node) {
			out = append(out, node)
		}
	}
	return out
}

func (s *Server) handleRecipes(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/recipes/"), "/")
	switch {
	case name == "":
		switch r.Method {
		case http.MethodGet:
			out := make([]*types.Recipe, 0, len(s.Recipes))
			for _, rec := range s.Recipes {
				out = append(out, rec)
			}
			writeJSON(w, http.StatusOK, out)
		case http.MethodPost:
			var rec types.Recipe
			_ = json.NewDecoder(r.Body).Decode(&rec)
			if _, exists := s.Recipes[rec.Name]; exists {
				http.Error(w, `{"detail": "duplicate"}`, http.StatusConflict)
				return
			}
			s.Recipes[rec.Name] = &rec
			writeJSON(w, http.StatusCreated, &rec)
		}
	default:
		rec, ok := s.Recipes[name]
		if !ok && r.Method != http.MethodPut {
			notFound(w)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, rec)
		case http.MethodPut:
			var next types.Recipe
			_ = json.NewDecoder(r.Body).Decode(&next)
			s.Recipes[name] = &next
			writeJSON(w, http.StatusOK, &next)
		case http.MethodDelete:
			delete(s.Recipes, name)
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/apps/"), "/")
	switch {
	case name == "":
		switch r.Method {
		case http.MethodGet:
			out := make([]*types.Application, 0, len(s.Apps))
			for _, app := range s.Apps {
				out = append(out, app)
			}
			writeJSON(w, http.StatusOK, out)
		case http.MethodPost:
			var app types.Application
			_ = json.NewDecoder(r.Body).Decode(&app)
			if _, exists := s.Apps[app.Name]; exists {
				http.Error(w, `{"detail": "duplicate"}`, http.StatusConflict)
				return
			}
			s.Apps[app.Name] = &app
			writeJSON(w, http.StatusCreated, &app)
		}
	default:
		app, ok := s.Apps[name]
		if !ok && r.Method != http.MethodPut {
			notFound(w)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, app)
		case http.MethodPut:
			var next types.Application
			_ = json.NewDecoder(r.Body).Decode(&next)
			s.Apps[name] = &next
			writeJSON(w, http.StatusOK, &next)
		case http.MethodDelete:
			delete(s.Apps, name)
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/nodes/"), "/")
	switch {
	case id == "":
		switch r.Method {
		case http.MethodGet:
			matcher := parseQuery(r.URL.Query().Get("q"))
			out := []*types.Node{}
			for _, n := range s.Nodes {
				if matcher(n) {
					out = append(out, n)
				}
			}
			writeJSON(w, http.StatusOK, out)
		case http.MethodPost:
			var n types.Node
			_ = json.NewDecoder(r.Body).Decode(&n)
			s.Nodes[n.CloudID] = &n
			writeJSON(w, http.StatusCreated, &n)
		}
	default:
		n, ok := s.Nodes[id]
		if !ok {
			notFound(w)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, n)
		case http.MethodDelete:
			delete(s.Nodes, id)
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/triggers/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case rest == "":
		switch r.Method {
		case http.MethodGet:
			matcher := parseQuery(r.URL.Query().Get("q"))
			out := []*types.Trigger{}
			for _, t := range s.Triggers {
				if matchTrigger(matcher, t) {
					out = append(out, t)
				}
			}
			writeJSON(w, http.StatusOK, out)
		case http.MethodPost:
			var t types.Trigger
			_ = json.NewDecoder(r.Body).Decode(&t)
			s.seq++
			t.UUID = fmt.Sprintf("trig-%04d", s.seq)
			t.Status = types.TriggerPending
			if s.OnTrigger != nil {
				status, result := s.OnTrigger(&t)
				t.Status = status
				t.Result = result
			}
			s.Triggers[t.UUID] = &t
			s.TriggerLog = append(s.TriggerLog, &t)
			writeJSON(w, http.StatusCreated, &t)
		}
	case len(parts) == 1:
		t, ok := s.Triggers[parts[0]]
		if !ok {
			notFound(w)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, t)
		case http.MethodPatch:
			var patch struct {
				Status string         `json:"status"`
				Result map[string]any `json:"result"`
			}
			_ = json.NewDecoder(r.Body).Decode(&patch)
			t.Status = patch.Status
			t.Result = patch.Result
			writeJSON(w, http.StatusOK, t)
		case http.MethodDelete:
			delete(s.Triggers, parts[0])
			w.WriteHeader(http.StatusNoContent)
		}
	case len(parts) == 2 && parts[1] == "handle":
		t, ok := s.Triggers[parts[0]]
		if !ok {
			notFound(w)
			return
		}
		if t.Status != types.TriggerPending {
			http.Error(w, `{"detail": "already claimed"}`, http.StatusConflict)
			return
		}
		t.Status = types.TriggerRunning
		writeJSON(w, http.StatusOK, t)
	case len(parts) == 2 && parts[1] == "heartbeat":
		if _, ok := s.Triggers[parts[0]]; !ok {
			notFound(w)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		notFound(w)
	}
}

// matchTrigger evaluates a node matcher against a trigger's flat fields.
func matchTrigger(matcher func(*types.Node) bool, t *types.Trigger) bool {
	// Reuse the node matcher by projecting the fields queries touch.
	return matcher(&types.Node{Name: t.Name, Status: t.Status})
}

// parseQuery compiles a q= document into a node predicate.
func parseQuery(q string) func(*types.Node) bool {
	if q == "" {
		return func(*types.Node) bool { return true }
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(q), &doc); err != nil {
		return func(*types.Node) bool { return false }
	}
	return func(n *types.Node) bool { return matchDoc(doc, n) }
}

func matchDoc(doc map[string]any, n *types.Node) bool {
	for field, cond := range doc {
		switch field {
		case "$and":
			for _, sub := range cond.([]any) {
				if !matchDoc(asDoc(sub), n) {
					return false
				}
			}
		case "$or":
			matched := false
			for _, sub := range cond.([]any) {
				if matchDoc(asDoc(sub), n) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			if !matchField(fieldValue(n, field), cond) {
				return false
			}
		}
	}
	return true
}

func asDoc(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func matchField(value string, cond any) bool {
	switch c := cond.(type) {
	case map[string]any:
		if vals, ok := c["$in"].([]any); ok {
			for _, v := range vals {
				if v == value {
					return true
				}
			}
			return false
		}
		if vals, ok := c["$nin"].([]any); ok {
			for _, v := range vals {
				if v == value {
					return false
				}
			}
			return true
		}
		if pattern, ok := c["$regex"].(string); ok {
			matched, _ := regexp.MatchString(pattern, value)
			return matched
		}
		return false
	default:
		return fmt.Sprintf("%v", cond) == value
	}
}

func fieldValue(n *types.Node, field string) string {
	switch field {
	case "cloud_id":
		return n.CloudID
	case "name":
		return n.Name
	case "status":
		return n.Status
	case "type":
		return n.Type
	case "mkgNodeType":
		return n.NodeType
	case "engine._id":
		if n.Engine != nil {
			return n.Engine.ID
		}
		return ""
	}
	return ""
}

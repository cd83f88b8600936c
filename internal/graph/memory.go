package graph

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"kortex-backend/internal/domain"
	apperrors "kortex-backend/internal/errors"
)

// MemoryStore is the in-process Store used by tests and local development.
// Transactions buffer their writes and apply them atomically on commit; reads
// observe committed state only.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[Collection]map[string][]byte // key -> json document
	meta  map[Collection]map[string]docMeta
	edges map[Collection]map[string]Edge // "from|to" -> edge
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[Collection]map[string][]byte),
		meta:  make(map[Collection]map[string]docMeta),
		edges: make(map[Collection]map[string]Edge),
	}
}

type memTx struct {
	store *MemoryStore
	ops   []func()
	done  bool
}

// Begin starts a buffered transaction.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	return &memTx{store: s}, nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return apperrors.New(apperrors.KindFatal, "graph.Commit", "transaction already finished")
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, op := range t.ops {
		op()
	}
	t.ops = nil
	return nil
}

func (t *memTx) Abort(ctx context.Context) error {
	t.done = true
	t.ops = nil
	return nil
}

func (s *MemoryStore) txOf(tx Tx) (*memTx, error) {
	if tx == nil {
		return nil, apperrors.New(apperrors.KindFatal, "graph.register", "graph writes require a transaction")
	}
	mt, ok := tx.(*memTx)
	if !ok {
		return nil, apperrors.New(apperrors.KindFatal, "graph.register", "foreign transaction handle")
	}
	if mt.done {
		return nil, apperrors.New(apperrors.KindFatal, "graph.register", "transaction already finished")
	}
	return mt, nil
}

// BatchUpsertNodes buffers upserts for every document.
func (s *MemoryStore) BatchUpsertNodes(ctx context.Context, docs []interface{}, coll Collection, tx Tx) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		meta, err := metaFor(doc)
		if err != nil {
			return err
		}
		if meta.Key == "" {
			return apperrors.New(apperrors.KindIntegrity, "graph.BatchUpsertNodes", "document has no _key")
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return apperrors.Wrap(apperrors.KindIntegrity, "graph.BatchUpsertNodes", err)
		}
		key, m := meta.Key, meta
		mt.ops = append(mt.ops, func() {
			if s.nodes[coll] == nil {
				s.nodes[coll] = make(map[string][]byte)
				s.meta[coll] = make(map[string]docMeta)
			}
			s.nodes[coll][key] = data
			s.meta[coll][key] = m
		})
	}
	return nil
}

// BatchCreateEdges buffers edge upserts; identity is (from, to).
func (s *MemoryStore) BatchCreateEdges(ctx context.Context, edges []Edge, coll Collection, tx Tx) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if edge.From == "" || edge.To == "" {
			return apperrors.New(apperrors.KindIntegrity, "graph.BatchCreateEdges", "edge missing endpoint")
		}
		e := edge
		mt.ops = append(mt.ops, func() {
			if s.edges[coll] == nil {
				s.edges[coll] = make(map[string]Edge)
			}
			s.edges[coll][memEdgeKey(e.From, e.To)] = e
		})
	}
	return nil
}

func (s *MemoryStore) findNode(coll Collection, match func(docMeta) bool, target interface{}) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, m := range s.meta[coll] {
		if match(m) {
			if err := json.Unmarshal(s.nodes[coll][key], target); err != nil {
				return false, apperrors.Wrap(apperrors.KindIntegrity, "graph.findNode", err)
			}
			return true, nil
		}
	}
	return false, nil
}

// GetRecordByExternalID finds a record by (connector, external id).
func (s *MemoryStore) GetRecordByExternalID(ctx context.Context, connector, externalID string) (*domain.Record, error) {
	var rec domain.Record
	found, err := s.findNode(Records, func(m docMeta) bool {
		return m.Connector == connector && m.ExternalID == externalID
	}, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// GetRecordByKey loads a record by its internal key.
func (s *MemoryStore) GetRecordByKey(ctx context.Context, key string) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.nodes[Records][key]
	if !ok {
		return nil, nil
	}
	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperrors.Wrap(apperrors.KindIntegrity, "graph.GetRecordByKey", err)
	}
	return &rec, nil
}

// GetRecordGroupByExternalID finds a record group by (connector, external id).
func (s *MemoryStore) GetRecordGroupByExternalID(ctx context.Context, connector, externalGroupID string) (*domain.RecordGroup, error) {
	var rg domain.RecordGroup
	found, err := s.findNode(RecordGroups, func(m docMeta) bool {
		return m.Connector == connector && m.ExternalID == externalGroupID
	}, &rg)
	if err != nil || !found {
		return nil, err
	}
	return &rg, nil
}

// GetUserByEmail finds a user by email, case-insensitively.
func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*domain.AppUser, error) {
	var u domain.AppUser
	want := strings.ToLower(email)
	found, err := s.findNode(Users, func(m docMeta) bool {
		return strings.ToLower(m.Email) == want
	}, &u)
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

// GetUserGroupByExternalID finds a user group by (connector, external id).
func (s *MemoryStore) GetUserGroupByExternalID(ctx context.Context, connector, externalID string) (*domain.AppUserGroup, error) {
	var g domain.AppUserGroup
	found, err := s.findNode(Groups, func(m docMeta) bool {
		return m.Connector == connector && m.ExternalID == externalID
	}, &g)
	if err != nil || !found {
		return nil, err
	}
	return &g, nil
}

// EdgesTo lists committed edges pointing at a node.
func (s *MemoryStore) EdgesTo(ctx context.Context, to NodeID, coll Collection) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Edge
	for _, e := range s.edges[coll] {
		if e.To == to {
			out = append(out, e)
		}
	}
	return out, nil
}

// EdgesFrom lists committed edges leaving a node.
func (s *MemoryStore) EdgesFrom(ctx context.Context, from NodeID, coll Collection) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Edge
	for _, e := range s.edges[coll] {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out, nil
}

// DeleteEdgesTo buffers deletion of every edge pointing at a node.
func (s *MemoryStore) DeleteEdgesTo(ctx context.Context, to NodeID, coll Collection, tx Tx) (int, error) {
	mt, err := s.txOf(tx)
	if err != nil {
		return 0, err
	}
	edges, _ := s.EdgesTo(ctx, to, coll)
	for _, e := range edges {
		k := memEdgeKey(e.From, e.To)
		mt.ops = append(mt.ops, func() { delete(s.edges[coll], k) })
	}
	return len(edges), nil
}

// DeleteEdgesFrom buffers deletion of every edge leaving a node.
func (s *MemoryStore) DeleteEdgesFrom(ctx context.Context, from NodeID, coll Collection, tx Tx) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	edges, _ := s.EdgesFrom(ctx, from, coll)
	for _, e := range edges {
		k := memEdgeKey(e.From, e.To)
		mt.ops = append(mt.ops, func() { delete(s.edges[coll], k) })
	}
	return nil
}

// DeleteEdge buffers deletion of one edge; the bool reports prior existence.
func (s *MemoryStore) DeleteEdge(ctx context.Context, from, to NodeID, coll Collection, tx Tx) (bool, error) {
	mt, err := s.txOf(tx)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	_, exists := s.edges[coll][memEdgeKey(from, to)]
	s.mu.RUnlock()
	if !exists {
		return false, nil
	}
	k := memEdgeKey(from, to)
	mt.ops = append(mt.ops, func() { delete(s.edges[coll], k) })
	return true, nil
}

// DeleteNodesAndEdges buffers removal of the nodes and all incident edges.
func (s *MemoryStore) DeleteNodesAndEdges(ctx context.Context, keys []string, coll Collection, tx Tx) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		id := ID(coll, key)
		k := key
		mt.ops = append(mt.ops, func() {
			delete(s.nodes[coll], k)
			delete(s.meta[coll], k)
			for _, edgeColl := range EdgeCollections {
				for ek, e := range s.edges[edgeColl] {
					if e.From == id || e.To == id {
						delete(s.edges[edgeColl], ek)
					}
				}
			}
		})
	}
	return nil
}

// GetAllOrgs lists every organization node.
func (s *MemoryStore) GetAllOrgs(ctx context.Context) ([]domain.Org, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var orgs []domain.Org
	for _, data := range s.nodes[Organizations] {
		var org domain.Org
		if err := json.Unmarshal(data, &org); err != nil {
			return nil, apperrors.Wrap(apperrors.KindIntegrity, "graph.GetAllOrgs", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, nil
}

// GetUsers lists an org's users filtered by the active flag.
func (s *MemoryStore) GetUsers(ctx context.Context, orgKey string, active bool) ([]domain.AppUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []domain.AppUser
	for key, m := range s.meta[Users] {
		if m.OrgKey != orgKey || !m.HasActive || m.Active != active {
			continue
		}
		var u domain.AppUser
		if err := json.Unmarshal(s.nodes[Users][key], &u); err != nil {
			return nil, apperrors.Wrap(apperrors.KindIntegrity, "graph.GetUsers", err)
		}
		users = append(users, u)
	}
	return users, nil
}

// ListRecordKeys enumerates every record key.
func (s *MemoryStore) ListRecordKeys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.nodes[Records]))
	for key := range s.nodes[Records] {
		keys = append(keys, key)
	}
	return keys, nil
}

// NodeCount reports committed nodes in a collection. Test helper.
func (s *MemoryStore) NodeCount(coll Collection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes[coll])
}

// EdgeCount reports committed edges in a collection. Test helper.
func (s *MemoryStore) EdgeCount(coll Collection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges[coll])
}

func memEdgeKey(from, to NodeID) string {
	return string(from) + "|" + string(to)
}

package core

import (
	"context"
	"sort"
	"strings"
	"sync"

	"erpcore/pkg/domain"
)

// Reply is what a handler produces on success.
type Reply struct {
	Item    any
	List    any
	Created *bool
	Result  domain.Result
}

// Handler serves one (aggregate, action, version) combination.
type Handler func(ctx context.Context, req Request) (Reply, error)

type handlerKey struct {
	aggregate Aggregate
	action    Verb
	version   string
}

// Dispatcher is the single entry point per aggregate. Handlers are keyed by
// version explicitly; a request for a combination nobody registered fails
// closed instead of falling back to another version.
type Dispatcher struct {
	svc      *Service
	mu       sync.RWMutex
	handlers map[handlerKey]Handler
}

// NewDispatcher builds a dispatcher with the v1 handlers for every aggregate.
func NewDispatcher(svc *Service) *Dispatcher {
	d := &Dispatcher{svc: svc, handlers: make(map[handlerKey]Handler)}
	d.registerV1()
	return d
}

// Register installs or replaces the handler for a combination.
func (d *Dispatcher) Register(aggregate Aggregate, action Verb, version string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[handlerKey{aggregate: aggregate, action: action, version: normalizeVersion(version)}] = h
}

// Operation describes one registered combination.
type Operation struct {
	Aggregate Aggregate `json:"aggregate"`
	Action    Verb      `json:"action"`
	Version   string    `json:"version"`
}

// Operations lists registered combinations in a stable order.
func (d *Dispatcher) Operations() []Operation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Operation, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, Operation{Aggregate: k.aggregate, Action: k.action, Version: k.version})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Aggregate != out[j].Aggregate {
			return out[i].Aggregate < out[j].Aggregate
		}
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].Action < out[j].Action
	})
	return out
}

func normalizeVersion(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return DefaultVersion
	}
	return v
}

// Dispatch routes req and renders the outcome in the response shape. Every
// failure carries a kind, a code and, where available, a hint.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	req.Version = normalizeVersion(req.Version)
	req.Action = Verb(strings.ToUpper(strings.TrimSpace(string(req.Action))))
	req.Aggregate = Aggregate(strings.ToLower(strings.TrimSpace(string(req.Aggregate))))

	d.mu.RLock()
	h, ok := d.handlers[handlerKey{aggregate: req.Aggregate, action: req.Action, version: req.Version}]
	d.mu.RUnlock()
	if !ok {
		return Failure(domain.UnsupportedOperationError{Aggregate: string(req.Aggregate), Action: string(req.Action), Version: req.Version}, domain.Result{})
	}
	reply, err := h(ctx, req)
	if err != nil {
		return Failure(err, reply.Result)
	}
	return Response{Success: true, Data: &ResponseData{
		Item:     reply.Item,
		List:     reply.List,
		Created:  reply.Created,
		Warnings: nonBlocking(reply.Result),
	}}
}

// Failure renders err in the response shape.
func Failure(err error, res domain.Result) Response {
	desc := domain.Describe(err)
	out := Response{
		Error:       desc.Message,
		ErrorCode:   desc.Code,
		ErrorKind:   desc.Kind,
		ErrorDetail: desc.Detail,
		ErrorHint:   desc.Hint,
		Violations:  desc.Violations,
	}
	if warnings := nonBlocking(res); len(warnings) > 0 {
		out.Data = &ResponseData{Warnings: warnings}
	}
	return out
}

func nonBlocking(res domain.Result) []domain.Violation {
	var out []domain.Violation
	for _, v := range res.Violations {
		if v.Severity != domain.SeverityBlock {
			out = append(out, v)
		}
	}
	return out
}

func (d *Dispatcher) registerV1() {
	for action, h := range map[Verb]Handler{
		VerbCreate: d.createEntity,
		VerbRead:   d.readEntity,
		VerbQuery:  d.queryEntities,
		VerbUpdate: d.updateEntity,
		VerbDelete: d.deleteEntity,
	} {
		d.Register(AggregateEntities, action, DefaultVersion, h)
	}
	for action, h := range map[Verb]Handler{
		VerbCreate: d.createRelationship,
		VerbRead:   d.readRelationship,
		VerbQuery:  d.queryRelationships,
		VerbUpdate: d.updateRelationship,
		VerbDelete: d.deleteRelationship,
	} {
		d.Register(AggregateRelationships, action, DefaultVersion, h)
	}
	for action, h := range map[Verb]Handler{
		VerbCreate: d.createTransaction,
		VerbRead:   d.readTransaction,
		VerbQuery:  d.queryTransactions,
		VerbUpdate: d.updateTransaction,
		VerbDelete: d.deleteTransaction,
	} {
		d.Register(AggregateTransactions, action, DefaultVersion, h)
	}
}

func boolRef(b bool) *bool { return &b }

func (d *Dispatcher) createEntity(ctx context.Context, req Request) (Reply, error) {
	var errs payloadErrors
	in := req.entityInput(&errs)
	if err := errs.err(); err != nil {
		return Reply{}, err
	}
	rec, created, res, err := d.svc.CreateEntity(ctx, req.scope(), in)
	if err != nil {
		return Reply{Result: res}, err
	}
	return Reply{Item: rec, Created: boolRef(created), Result: res}, nil
}

func (d *Dispatcher) readEntity(ctx context.Context, req Request) (Reply, error) {
	id := req.targetID()
	if id == "" {
		return d.queryEntities(ctx, req)
	}
	rec, err := d.svc.GetEntity(ctx, req.scope(), id, req.Options.include())
	if err != nil {
		return Reply{}, err
	}
	return Reply{Item: rec}, nil
}

func (d *Dispatcher) queryEntities(ctx context.Context, req Request) (Reply, error) {
	list, err := d.svc.QueryEntities(ctx, req.scope(), req.entityFilter(), req.Options.include())
	if err != nil {
		return Reply{}, err
	}
	return Reply{List: list}, nil
}

func (d *Dispatcher) updateEntity(ctx context.Context, req Request) (Reply, error) {
	var errs payloadErrors
	up := req.entityUpdate(&errs)
	if err := errs.err(); err != nil {
		return Reply{}, err
	}
	rec, res, err := d.svc.UpdateEntity(ctx, req.scope(), up)
	if err != nil {
		return Reply{Result: res}, err
	}
	return Reply{Item: rec, Result: res}, nil
}

// DeleteOutcome reports what an entity DELETE did.
type DeleteOutcome struct {
	ID       string `json:"id"`
	Archived bool   `json:"archived,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
}

func (d *Dispatcher) deleteEntity(ctx context.Context, req Request) (Reply, error) {
	id := req.targetID()
	res, err := d.svc.DeleteEntity(ctx, req.scope(), id, req.Options.HardDelete)
	if err != nil {
		return Reply{Result: res}, err
	}
	out := DeleteOutcome{ID: id, Archived: !req.Options.HardDelete, Deleted: req.Options.HardDelete}
	return Reply{Item: out, Result: res}, nil
}

func (d *Dispatcher) createRelationship(ctx context.Context, req Request) (Reply, error) {
	p := req.Relationship
	if p == nil {
		p = &RelationshipPayload{}
	}
	rel, res, err := d.svc.CreateRelationship(ctx, req.scope(), p.input())
	if err != nil {
		return Reply{Result: res}, err
	}
	return Reply{Item: rel, Created: boolRef(true), Result: res}, nil
}

func (d *Dispatcher) readRelationship(ctx context.Context, req Request) (Reply, error) {
	id := req.targetID()
	if id == "" {
		return d.queryRelationships(ctx, req)
	}
	rel, err := d.svc.GetRelationship(ctx, req.scope(), id)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Item: rel}, nil
}

func (d *Dispatcher) queryRelationships(ctx context.Context, req Request) (Reply, error) {
	list, err := d.svc.ListRelationships(ctx, req.scope(), req.relationshipFilter())
	if err != nil {
		return Reply{}, err
	}
	return Reply{List: list}, nil
}

func (d *Dispatcher) updateRelationship(ctx context.Context, req Request) (Reply, error) {
	var data map[string]any
	if req.Relationship != nil {
		data = req.Relationship.RelationshipData
	}
	rel, res, err := d.svc.UpdateRelationshipData(ctx, req.scope(), req.targetID(), data)
	if err != nil {
		return Reply{Result: res}, err
	}
	return Reply{Item: rel, Result: res}, nil
}

func (d *Dispatcher) deleteRelationship(ctx context.Context, req Request) (Reply, error) {
	var errs payloadErrors
	var exp string
	if req.Relationship != nil {
		exp = req.Relationship.ExpirationDate
	}
	at := parseTime(&errs, "relationship.expiration_date", exp)
	if err := errs.err(); err != nil {
		return Reply{}, err
	}
	rel, res, err := d.svc.DeleteRelationship(ctx, req.scope(), req.targetID(), at)
	if err != nil {
		return Reply{Result: res}, err
	}
	return Reply{Item: rel, Result: res}, nil
}

func (d *Dispatcher) createTransaction(ctx context.Context, req Request) (Reply, error) {
	var errs payloadErrors
	t := req.ledgerTransaction(&errs)
	if err := errs.err(); err != nil {
		return Reply{}, err
	}
	created, res, err := d.svc.CreateTransaction(ctx, req.scope(), t)
	if err != nil {
		return Reply{Result: res}, err
	}
	return Reply{Item: created, Created: boolRef(true), Result: res}, nil
}

func (d *Dispatcher) readTransaction(ctx context.Context, req Request) (Reply, error) {
	id := req.targetID()
	if id == "" {
		return d.queryTransactions(ctx, req)
	}
	t, err := d.svc.GetTransaction(ctx, req.scope(), id)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Item: t}, nil
}

func (d *Dispatcher) queryTransactions(ctx context.Context, req Request) (Reply, error) {
	var errs payloadErrors
	filter := req.transactionFilter(&errs)
	if err := errs.err(); err != nil {
		return Reply{}, err
	}
	list, err := d.svc.QueryTransactions(ctx, req.scope(), filter)
	if err != nil {
		return Reply{}, err
	}
	return Reply{List: list}, nil
}

// ReversalOutcome is the item returned when an UPDATE reverses a transaction.
type ReversalOutcome struct {
	Original domain.TransactionHeader `json:"original"`
	Reversal domain.LedgerTransaction `json:"reversal"`
}

func (d *Dispatcher) updateTransaction(ctx context.Context, req Request) (Reply, error) {
	var status domain.TransactionStatus
	if req.Transaction != nil {
		status = domain.TransactionStatus(strings.ToLower(req.Transaction.Status))
	}
	if status == domain.TransactionReversed {
		orig, rev, res, err := d.svc.ReverseTransaction(ctx, req.scope(), req.targetID())
		if err != nil {
			return Reply{Result: res}, err
		}
		return Reply{Item: ReversalOutcome{Original: orig, Reversal: rev}, Result: res}, nil
	}
	h, res, err := d.svc.UpdateTransactionStatus(ctx, req.scope(), req.targetID(), status)
	if err != nil {
		return Reply{Result: res}, err
	}
	return Reply{Item: h, Result: res}, nil
}

func (d *Dispatcher) deleteTransaction(ctx context.Context, req Request) (Reply, error) {
	return Reply{}, d.svc.DeleteTransaction(ctx, req.scope(), req.targetID())
}

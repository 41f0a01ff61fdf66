// Package mongo hosts the MongoDB client used by the durable session store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/hearth-agent/hearth/runtime/agent/artifact"
	"github.com/hearth-agent/hearth/runtime/agent/continuation"
	"github.com/hearth-agent/hearth/runtime/agent/session"
)

const (
	defaultSessionsCollection      = "hearth_sessions"
	defaultContinuationsCollection = "hearth_continuations"
	defaultOpTimeout               = 5 * time.Second
	sessionClientName              = "session-mongo"
)

// Client exposes Mongo-backed operations for session and continuation
// records.
type Client interface {
	health.Pinger

	UpsertSession(ctx context.Context, sess *session.Session) error
	LoadSession(ctx context.Context, sessionID string) (*session.Session, error)
	ListSessions(ctx context.Context) ([]*session.Session, error)

	UpsertContinuation(ctx context.Context, c *continuation.Continuation) error
	LoadContinuation(ctx context.Context, sessionID, id string) (*continuation.Continuation, error)
	ListContinuations(ctx context.Context, sessionID string) ([]*continuation.Continuation, error)
}

// Options configures the Mongo session client.
type Options struct {
	Client                  *mongodriver.Client
	Database                string
	SessionsCollection      string
	ContinuationsCollection string
	Timeout                 time.Duration
}

type client struct {
	mongo         *mongodriver.Client
	sessions      collection
	continuations collection
	timeout       time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessionsCollection := opts.SessionsCollection
	if sessionsCollection == "" {
		sessionsCollection = defaultSessionsCollection
	}
	continuationsCollection := opts.ContinuationsCollection
	if continuationsCollection == "" {
		continuationsCollection = defaultContinuationsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	sessColl := opts.Client.Database(opts.Database).Collection(sessionsCollection)
	contColl := opts.Client.Database(opts.Database).Collection(continuationsCollection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sessWrapper := mongoCollection{coll: sessColl}
	contWrapper := mongoCollection{coll: contColl}
	if err := ensureIndexes(ctx, sessWrapper, contWrapper); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, sessWrapper, contWrapper, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) UpsertSession(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session id is required")
	}
	doc := fromSession(sess)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": sess.ID}
	update := bson.M{
		"$set": bson.M{
			"status":             doc.Status,
			"updated_at":         doc.UpdatedAt,
			"version":            doc.Version,
			"model":              doc.Model,
			"budgets":            doc.Budgets,
			"policy":             doc.Policy,
			"preferences":        doc.Preferences,
			"memory":             doc.Memory,
			"messages":           doc.Messages,
			"open_continuations": doc.Open,
			"usage":              doc.Usage,
			"end_reason":         doc.EndReason,
			"last_activity":      doc.LastActive,
		},
		"$setOnInsert": bson.M{
			"session_id": doc.SessionID,
			"created_at": doc.CreatedAt,
		},
	}
	_, err := c.sessions.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) LoadSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	return doc.toSession(), nil
}

func (c *client) ListSessions(ctx context.Context) ([]*session.Session, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.sessions.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "session_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*session.Session
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSession())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) UpsertContinuation(ctx context.Context, cont *continuation.Continuation) error {
	if cont == nil || cont.ID == "" {
		return errors.New("continuation id is required")
	}
	if cont.SessionID == "" {
		return errors.New("session id is required")
	}
	doc := fromContinuation(cont)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"continuation_id": cont.ID}
	update := bson.M{
		"$set": bson.M{
			"session_id":    doc.SessionID,
			"updated_at":    doc.UpdatedAt,
			"status":        doc.Status,
			"request":       doc.Request,
			"response":      doc.Response,
			"error":         doc.Error,
			"artifacts":     doc.Artifacts,
			"cancel_reason": doc.CancelReason,
		},
		"$setOnInsert": bson.M{
			"continuation_id": doc.ContinuationID,
			"created_at":      doc.CreatedAt,
		},
	}
	_, err := c.continuations.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) LoadContinuation(ctx context.Context, sessionID, id string) (*continuation.Continuation, error) {
	if sessionID == "" || id == "" {
		return nil, errors.New("session and continuation ids are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"continuation_id": id, "session_id": sessionID}
	var doc continuationDocument
	if err := c.continuations.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, continuation.ErrNotFound
		}
		return nil, err
	}
	return doc.toContinuation(), nil
}

func (c *client) ListContinuations(ctx context.Context, sessionID string) ([]*continuation.Continuation, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	cur, err := c.continuations.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "continuation_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*continuation.Continuation
	for cur.Next(ctx) {
		var doc continuationDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toContinuation())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type sessionDocument struct {
	SessionID   string               `bson:"session_id"`
	Status      string               `bson:"status"`
	CreatedAt   time.Time            `bson:"created_at"`
	UpdatedAt   time.Time            `bson:"updated_at"`
	Version     int64                `bson:"version"`
	Model       string               `bson:"model,omitempty"`
	Budgets     budgetsDocument      `bson:"budgets"`
	Policy      policyDocument       `bson:"policy"`
	Preferences map[string]string    `bson:"preferences,omitempty"`
	Memory      memoryDocument       `bson:"memory"`
	Messages    []messageRefDocument `bson:"messages,omitempty"`
	Open        []string             `bson:"open_continuations,omitempty"`
	Usage       usageDocument        `bson:"usage"`
	EndReason   string               `bson:"end_reason,omitempty"`
	LastActive  time.Time            `bson:"last_activity"`
}

type budgetsDocument struct {
	MaxSteps      int   `bson:"max_steps"`
	MaxToolCalls  int   `bson:"max_tool_calls"`
	MaxDurationMS int64 `bson:"max_duration_ms"`
	MaxTokens     int   `bson:"max_tokens"`
}

type policyDocument struct {
	AllowActuation      bool     `bson:"allow_actuation"`
	AllowServices       []string `bson:"allow_services,omitempty"`
	DenyServices        []string `bson:"deny_services,omitempty"`
	RequireConfirmation bool     `bson:"require_confirmation"`
	PinModel            bool     `bson:"pin_model"`
}

type memoryDocument struct {
	RollingSummary string            `bson:"rolling_summary,omitempty"`
	Facts          []factDocument    `bson:"facts,omitempty"`
	Pins           []pinDocument     `bson:"pins,omitempty"`
	LastK          []messageDocument `bson:"last_k,omitempty"`
}

type factDocument struct {
	Text       string    `bson:"text"`
	Confidence float64   `bson:"confidence"`
	Tags       []string  `bson:"tags,omitempty"`
	CreatedAt  time.Time `bson:"created_at"`
}

type pinDocument struct {
	Text      string    `bson:"text"`
	Reason    string    `bson:"reason,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

type messageDocument struct {
	Role      string    `bson:"role"`
	Content   string    `bson:"content"`
	CreatedAt time.Time `bson:"created_at"`
}

type messageRefDocument struct {
	ContinuationID string    `bson:"continuation_id"`
	CreatedAt      time.Time `bson:"created_at"`
	Preview        string    `bson:"preview,omitempty"`
}

type usageDocument struct {
	Continuations int `bson:"continuations"`
	Steps         int `bson:"steps"`
	ToolCalls     int `bson:"tool_calls"`
	Tokens        int `bson:"tokens"`
}

type continuationDocument struct {
	ContinuationID string                `bson:"continuation_id"`
	SessionID      string                `bson:"session_id"`
	CreatedAt      time.Time             `bson:"created_at"`
	UpdatedAt      time.Time             `bson:"updated_at"`
	Status         string                `bson:"status"`
	Request        requestDocument       `bson:"request"`
	Response       *responseDocument     `bson:"response,omitempty"`
	Error          *errorDocument        `bson:"error,omitempty"`
	Artifacts      []artifactRefDocument `bson:"artifacts,omitempty"`
	CancelReason   string                `bson:"cancel_reason,omitempty"`
}

type requestDocument struct {
	Message        string            `bson:"message"`
	AllowTools     bool              `bson:"allow_tools"`
	MaxSteps       int               `bson:"max_steps,omitempty"`
	TimeBudgetMS   int64             `bson:"time_budget_ms,omitempty"`
	PlannerHints   map[string]string `bson:"planner_hints,omitempty"`
	IdempotencyKey string            `bson:"idempotency_key,omitempty"`
}

type responseDocument struct {
	FinalMessage string   `bson:"final_message"`
	Reasoning    string   `bson:"reasoning,omitempty"`
	Citations    []string `bson:"citations,omitempty"`
	FollowUps    []string `bson:"follow_ups,omitempty"`
}

type errorDocument struct {
	Code        string         `bson:"code"`
	Message     string         `bson:"message"`
	Detail      map[string]any `bson:"detail,omitempty"`
	Recoverable bool           `bson:"recoverable"`
}

type artifactRefDocument struct {
	ID        string            `bson:"artifact_id"`
	Type      string            `bson:"type"`
	Location  string            `bson:"location"`
	Size      int64             `bson:"size"`
	CreatedAt time.Time         `bson:"created_at"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
}

func fromSession(sess *session.Session) sessionDocument {
	open := make([]string, 0, len(sess.Open))
	for id := range sess.Open {
		open = append(open, id)
	}
	doc := sessionDocument{
		SessionID: sess.ID,
		Status:    string(sess.Status),
		CreatedAt: sess.CreatedAt.UTC(),
		UpdatedAt: sess.UpdatedAt.UTC(),
		Version:   sess.Version,
		Model:     sess.Model,
		Budgets: budgetsDocument{
			MaxSteps:      sess.Budgets.MaxSteps,
			MaxToolCalls:  sess.Budgets.MaxToolCalls,
			MaxDurationMS: sess.Budgets.MaxDuration.Milliseconds(),
			MaxTokens:     sess.Budgets.MaxTokens,
		},
		Policy: policyDocument{
			AllowActuation:      sess.Policy.AllowActuation,
			AllowServices:       sess.Policy.AllowServices,
			DenyServices:        sess.Policy.DenyServices,
			RequireConfirmation: sess.Policy.RequireConfirmation,
			PinModel:            sess.Policy.PinModel,
		},
		Preferences: sess.Preferences,
		Memory: memoryDocument{
			RollingSummary: sess.Memory.RollingSummary,
		},
		Open: open,
		Usage: usageDocument{
			Continuations: sess.Usage.Continuations,
			Steps:         sess.Usage.Steps,
			ToolCalls:     sess.Usage.ToolCalls,
			Tokens:        sess.Usage.Tokens,
		},
		EndReason:  sess.EndReason,
		LastActive: sess.LastActivity.UTC(),
	}
	for _, f := range sess.Memory.Facts {
		doc.Memory.Facts = append(doc.Memory.Facts, factDocument(f))
	}
	for _, p := range sess.Memory.Pins {
		doc.Memory.Pins = append(doc.Memory.Pins, pinDocument(p))
	}
	for _, m := range sess.Memory.LastK {
		doc.Memory.LastK = append(doc.Memory.LastK, messageDocument(m))
	}
	for _, r := range sess.Messages {
		doc.Messages = append(doc.Messages, messageRefDocument(r))
	}
	return doc
}

func (doc sessionDocument) toSession() *session.Session {
	sess := &session.Session{
		ID:        doc.SessionID,
		Status:    session.Status(doc.Status),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
		Version:   doc.Version,
		Model:     doc.Model,
		Budgets: session.Budgets{
			MaxSteps:     doc.Budgets.MaxSteps,
			MaxToolCalls: doc.Budgets.MaxToolCalls,
			MaxDuration:  time.Duration(doc.Budgets.MaxDurationMS) * time.Millisecond,
			MaxTokens:    doc.Budgets.MaxTokens,
		},
		Policy: session.Policy{
			AllowActuation:      doc.Policy.AllowActuation,
			AllowServices:       doc.Policy.AllowServices,
			DenyServices:        doc.Policy.DenyServices,
			RequireConfirmation: doc.Policy.RequireConfirmation,
			PinModel:            doc.Policy.PinModel,
		},
		Preferences: doc.Preferences,
		Memory: session.Memory{
			RollingSummary: doc.Memory.RollingSummary,
		},
		Usage: session.Usage{
			Continuations: doc.Usage.Continuations,
			Steps:         doc.Usage.Steps,
			ToolCalls:     doc.Usage.ToolCalls,
			Tokens:        doc.Usage.Tokens,
		},
		EndReason:    doc.EndReason,
		LastActivity: doc.LastActive,
		Open:         make(map[string]struct{}, len(doc.Open)),
	}
	for _, f := range doc.Memory.Facts {
		sess.Memory.Facts = append(sess.Memory.Facts, session.Fact(f))
	}
	for _, p := range doc.Memory.Pins {
		sess.Memory.Pins = append(sess.Memory.Pins, session.Pin(p))
	}
	for _, m := range doc.Memory.LastK {
		sess.Memory.LastK = append(sess.Memory.LastK, session.Message(m))
	}
	for _, r := range doc.Messages {
		sess.Messages = append(sess.Messages, session.MessageRef(r))
	}
	for _, id := range doc.Open {
		sess.Open[id] = struct{}{}
	}
	return sess
}

func fromContinuation(c *continuation.Continuation) continuationDocument {
	doc := continuationDocument{
		ContinuationID: c.ID,
		SessionID:      c.SessionID,
		CreatedAt:      c.CreatedAt.UTC(),
		UpdatedAt:      c.UpdatedAt.UTC(),
		Status:         string(c.Status),
		Request: requestDocument{
			Message:        c.Request.Message,
			AllowTools:     c.Request.AllowTools,
			MaxSteps:       c.Request.MaxSteps,
			TimeBudgetMS:   c.Request.TimeBudget.Milliseconds(),
			PlannerHints:   c.Request.PlannerHints,
			IdempotencyKey: c.Request.IdempotencyKey,
		},
		CancelReason: c.CancelReason,
	}
	if c.Response != nil {
		doc.Response = &responseDocument{
			FinalMessage: c.Response.FinalMessage,
			Reasoning:    c.Response.Reasoning,
			Citations:    c.Response.Citations,
			FollowUps:    c.Response.FollowUps,
		}
	}
	if c.Error != nil {
		doc.Error = &errorDocument{
			Code:        c.Error.Code,
			Message:     c.Error.Message,
			Detail:      c.Error.Detail,
			Recoverable: c.Error.Recoverable,
		}
	}
	for _, ref := range c.Artifacts {
		doc.Artifacts = append(doc.Artifacts, artifactRefDocument{
			ID:        ref.ID,
			Type:      string(ref.Type),
			Location:  ref.Location,
			Size:      ref.Size,
			CreatedAt: ref.CreatedAt,
			Metadata:  ref.Metadata,
		})
	}
	return doc
}

func (doc continuationDocument) toContinuation() *continuation.Continuation {
	c := &continuation.Continuation{
		ID:        doc.ContinuationID,
		SessionID: doc.SessionID,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
		Status:    continuation.Status(doc.Status),
		Request: continuation.Request{
			Message:        doc.Request.Message,
			AllowTools:     doc.Request.AllowTools,
			MaxSteps:       doc.Request.MaxSteps,
			TimeBudget:     time.Duration(doc.Request.TimeBudgetMS) * time.Millisecond,
			PlannerHints:   doc.Request.PlannerHints,
			IdempotencyKey: doc.Request.IdempotencyKey,
		},
		CancelReason: doc.CancelReason,
	}
	if doc.Response != nil {
		c.Response = &continuation.Response{
			FinalMessage: doc.Response.FinalMessage,
			Reasoning:    doc.Response.Reasoning,
			Citations:    doc.Response.Citations,
			FollowUps:    doc.Response.FollowUps,
		}
	}
	if doc.Error != nil {
		c.Error = &continuation.Error{
			Code:        doc.Error.Code,
			Message:     doc.Error.Message,
			Detail:      doc.Error.Detail,
			Recoverable: doc.Error.Recoverable,
		}
	}
	for _, ref := range doc.Artifacts {
		c.Artifacts = append(c.Artifacts, artifact.Ref{
			ID:        ref.ID,
			Type:      artifact.Type(ref.Type),
			Location:  ref.Location,
			Size:      ref.Size,
			CreatedAt: ref.CreatedAt,
			Metadata:  ref.Metadata,
		})
	}
	return c
}

func ensureIndexes(ctx context.Context, sessionsColl, continuationsColl collection) error {
	sessionIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return err
	}
	continuationIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "continuation_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := continuationsColl.Indexes().CreateOne(ctx, continuationIndex); err != nil {
		return err
	}
	continuationSessionIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}},
	}
	if _, err := continuationsColl.Indexes().CreateOne(ctx, continuationSessionIndex); err != nil {
		return err
	}
	continuationKeyIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "request.idempotency_key", Value: 1},
		},
	}
	if _, err := continuationsColl.Indexes().CreateOne(ctx, continuationKeyIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollections(mongoClient *mongodriver.Client, sessionsColl, continuationsColl collection, timeout time.Duration) (*client, error) {
	if sessionsColl == nil || continuationsColl == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:         mongoClient,
		sessions:      sessionsColl,
		continuations: continuationsColl,
		timeout:       timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}

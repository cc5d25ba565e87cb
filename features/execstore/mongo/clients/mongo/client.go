// Package mongo implements the low-level MongoDB client used by the execution store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/execstore"
	"flowstate.dev/flowstate/runtime/routine/state"
)

type (
	// Client exposes Mongo-backed operations for execution records and node
	// result timelines.
	Client interface {
		health.Pinger

		CreateExecution(ctx context.Context, exec *execstore.Execution) error
		UpdateStatus(ctx context.Context, executionID string, status api.ExecutionStatus, execErr *execerrors.Error, path []state.PathEntry, completedAt time.Time) error
		UpsertNodeResult(ctx context.Context, executionID string, result *state.NodeResult) error
		GetExecution(ctx context.Context, executionID string) (*execstore.Execution, error)
		ListNodeResults(ctx context.Context, executionID string) ([]*state.NodeResult, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client *mongodriver.Client

		// Database is the database holding both collections. Required.
		Database string

		// ExecutionsCollection holds one document per execution, keyed by
		// workflow_id. Defaults to "routine_executions".
		ExecutionsCollection string

		// ResultsCollection holds one document per node invocation, keyed by
		// (workflow_id, node_id, context_key). Defaults to
		// "routine_node_results".
		ResultsCollection string

		// Timeout bounds each store operation. Defaults to 5s.
		Timeout time.Duration
	}

	client struct {
		mongo      *mongodriver.Client
		executions collection
		results    collection
		timeout    time.Duration
	}

	executionDocument struct {
		WorkflowID    string         `bson:"workflow_id"`
		RoutineID     string         `bson:"routine_id"`
		UserID        string         `bson:"user_id,omitempty"`
		TriggerType   string         `bson:"trigger_type,omitempty"`
		Status        string         `bson:"status"`
		Error         *errorDocument `bson:"error,omitempty"`
		ExecutionPath []pathDocument `bson:"execution_path,omitempty"`
		StartedAt     time.Time      `bson:"started_at"`
		CompletedAt   *time.Time     `bson:"completed_at,omitempty"`
	}

	pathDocument struct {
		NodeID     string `bson:"node_id"`
		ContextKey string `bson:"context_key,omitempty"`
		Iteration  *int   `bson:"iteration,omitempty"`
	}

	// nodeResultDocument is one timeline entry. context_key is stored even
	// when empty because it is part of the upsert key.
	nodeResultDocument struct {
		WorkflowID  string                    `bson:"workflow_id"`
		NodeID      string                    `bson:"node_id"`
		ContextKey  string                    `bson:"context_key"`
		Status      string                    `bson:"status"`
		Outputs     map[string][]itemDocument `bson:"outputs,omitempty"`
		Error       *errorDocument            `bson:"error,omitempty"`
		StartedAt   time.Time                 `bson:"started_at"`
		CompletedAt *time.Time                `bson:"completed_at,omitempty"`
		DurationMS  *int64                    `bson:"duration_ms,omitempty"`
	}

	itemDocument struct {
		Data       any    `bson:"data"`
		SourceNode string `bson:"source_node,omitempty"`
		SourcePort string `bson:"source_port,omitempty"`
		Iteration  int    `bson:"iteration,omitempty"`
		Error      string `bson:"error,omitempty"`
	}

	errorDocument struct {
		Kind    string         `bson:"kind"`
		Message string         `bson:"message"`
		NodeID  string         `bson:"node_id,omitempty"`
		Cause   *errorDocument `bson:"cause,omitempty"`
	}
)

const (
	defaultExecutionsCollection = "routine_executions"
	defaultResultsCollection    = "routine_node_results"
	defaultTimeout              = 5 * time.Second
	clientName                  = "execstore-mongo"
)

// New returns a Client backed by the provided MongoDB client. It creates the
// unique indexes both collections rely on for idempotent writes.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	execColl := opts.ExecutionsCollection
	if execColl == "" {
		execColl = defaultExecutionsCollection
	}
	resColl := opts.ResultsCollection
	if resColl == "" {
		resColl = defaultResultsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	executions := mongoCollection{coll: db.Collection(execColl)}
	results := mongoCollection{coll: db.Collection(resColl)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, executions, results); err != nil {
		return nil, err
	}
	return &client{
		mongo:      opts.Client,
		executions: executions,
		results:    results,
		timeout:    timeout,
	}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// CreateExecution inserts the execution record. Re-creating an existing
// execution is a no-op: the unique workflow_id index turns the replay into a
// duplicate-key error which is swallowed, preserving the original record.
func (c *client) CreateExecution(ctx context.Context, exec *execstore.Execution) error {
	if exec == nil {
		return errors.New("execution is required")
	}
	if exec.ExecutionID == "" {
		return errors.New("execution id is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.executions.InsertOne(ctx, toExecutionDocument(exec))
	if mongodriver.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (c *client) UpdateStatus(ctx context.Context, executionID string, status api.ExecutionStatus, execErr *execerrors.Error, path []state.PathEntry, completedAt time.Time) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}

	set := bson.M{"status": string(status)}
	if execErr != nil {
		set["error"] = toErrorDocument(execErr)
	}
	if len(path) > 0 {
		set["execution_path"] = toPathDocuments(path)
	}
	if !completedAt.IsZero() {
		set["completed_at"] = completedAt.UTC()
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.executions.UpdateOne(ctx, bson.M{"workflow_id": executionID}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return execstore.ErrNotFound
	}
	return nil
}

// UpsertNodeResult writes one timeline entry keyed by
// (workflow_id, node_id, context_key). Running entries only insert, so a
// replayed running write never downgrades a terminal entry; terminal entries
// update the running entry in place.
func (c *client) UpsertNodeResult(ctx context.Context, executionID string, result *state.NodeResult) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	if result == nil {
		return errors.New("node result is required")
	}
	if result.NodeID == "" {
		return errors.New("node id is required")
	}

	filter := bson.M{
		"workflow_id": executionID,
		"node_id":     result.NodeID,
		"context_key": result.ContextKey,
	}
	doc := toNodeResultDocument(executionID, result)
	update := bson.M{"$set": doc}
	if !result.Status.Terminal() {
		update = bson.M{"$setOnInsert": doc}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.results.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) GetExecution(ctx context.Context, executionID string) (*execstore.Execution, error) {
	if executionID == "" {
		return nil, errors.New("execution id is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc executionDocument
	err := c.executions.FindOne(ctx, bson.M{"workflow_id": executionID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, execstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromExecutionDocument(&doc), nil
}

func (c *client) ListNodeResults(ctx context.Context, executionID string) (results []*state.NodeResult, err error) {
	if executionID == "" {
		return nil, errors.New("execution id is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.results.Find(ctx, bson.M{"workflow_id": executionID}, options.Find().
		SetSort(bson.D{
			{Key: "started_at", Value: 1},
			{Key: "node_id", Value: 1},
			{Key: "context_key", Value: 1},
		}),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc nodeResultDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		results = append(results, fromNodeResultDocument(&doc))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, executions, results collection) error {
	if _, err := executions.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := results.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "workflow_id", Value: 1},
			{Key: "node_id", Value: 1},
			{Key: "context_key", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func toExecutionDocument(exec *execstore.Execution) executionDocument {
	doc := executionDocument{
		WorkflowID:    exec.ExecutionID,
		RoutineID:     exec.RoutineID,
		UserID:        exec.UserID,
		TriggerType:   exec.TriggerType,
		Status:        string(exec.Status),
		Error:         toErrorDocument(exec.Error),
		ExecutionPath: toPathDocuments(exec.ExecutionPath),
		StartedAt:     exec.StartedAt.UTC(),
	}
	if !exec.CompletedAt.IsZero() {
		t := exec.CompletedAt.UTC()
		doc.CompletedAt = &t
	}
	return doc
}

func fromExecutionDocument(doc *executionDocument) *execstore.Execution {
	exec := &execstore.Execution{
		ExecutionID:   doc.WorkflowID,
		RoutineID:     doc.RoutineID,
		UserID:        doc.UserID,
		TriggerType:   doc.TriggerType,
		Status:        api.ExecutionStatus(doc.Status),
		Error:         fromErrorDocument(doc.Error),
		ExecutionPath: fromPathDocuments(doc.ExecutionPath),
		StartedAt:     doc.StartedAt,
	}
	if doc.CompletedAt != nil {
		exec.CompletedAt = *doc.CompletedAt
	}
	return exec
}

func toNodeResultDocument(executionID string, result *state.NodeResult) nodeResultDocument {
	doc := nodeResultDocument{
		WorkflowID: executionID,
		NodeID:     result.NodeID,
		ContextKey: result.ContextKey,
		Status:     string(result.Status),
		Error:      toErrorDocument(result.Error),
		StartedAt:  result.StartedAt.UTC(),
	}
	if len(result.Outputs) > 0 {
		doc.Outputs = make(map[string][]itemDocument, len(result.Outputs))
		for port, items := range result.Outputs {
			converted := make([]itemDocument, len(items))
			for i, item := range items {
				converted[i] = itemDocument{
					Data:       item.Data,
					SourceNode: item.Metadata.SourceNode,
					SourcePort: item.Metadata.SourcePort,
					Iteration:  item.Metadata.Iteration,
					Error:      item.Error,
				}
			}
			doc.Outputs[port] = converted
		}
	}
	if !result.CompletedAt.IsZero() {
		t := result.CompletedAt.UTC()
		doc.CompletedAt = &t
		d := result.CompletedAt.Sub(result.StartedAt).Milliseconds()
		doc.DurationMS = &d
	}
	return doc
}

func fromNodeResultDocument(doc *nodeResultDocument) *state.NodeResult {
	result := &state.NodeResult{
		NodeID:     doc.NodeID,
		ContextKey: doc.ContextKey,
		Status:     state.Status(doc.Status),
		Error:      fromErrorDocument(doc.Error),
		StartedAt:  doc.StartedAt,
	}
	if len(doc.Outputs) > 0 {
		result.Outputs = make(map[string][]state.Item, len(doc.Outputs))
		for port, items := range doc.Outputs {
			converted := make([]state.Item, len(items))
			for i, item := range items {
				converted[i] = state.Item{
					Data: item.Data,
					Metadata: state.ItemMetadata{
						SourceNode: item.SourceNode,
						SourcePort: item.SourcePort,
						Iteration:  item.Iteration,
					},
					Error: item.Error,
				}
			}
			result.Outputs[port] = converted
		}
	}
	if doc.CompletedAt != nil {
		result.CompletedAt = *doc.CompletedAt
	}
	return result
}

func toPathDocuments(path []state.PathEntry) []pathDocument {
	if len(path) == 0 {
		return nil
	}
	docs := make([]pathDocument, len(path))
	for i, entry := range path {
		docs[i] = pathDocument{
			NodeID:     entry.NodeID,
			ContextKey: entry.ContextKey,
			Iteration:  entry.Iteration,
		}
	}
	return docs
}

func fromPathDocuments(docs []pathDocument) []state.PathEntry {
	if len(docs) == 0 {
		return nil
	}
	path := make([]state.PathEntry, len(docs))
	for i, doc := range docs {
		path[i] = state.PathEntry{
			NodeID:     doc.NodeID,
			ContextKey: doc.ContextKey,
			Iteration:  doc.Iteration,
		}
	}
	return path
}

func toErrorDocument(e *execerrors.Error) *errorDocument {
	if e == nil {
		return nil
	}
	return &errorDocument{
		Kind:    string(e.Kind),
		Message: e.Message,
		NodeID:  e.NodeID,
		Cause:   toErrorDocument(e.Cause),
	}
}

func fromErrorDocument(doc *errorDocument) *execerrors.Error {
	if doc == nil {
		return nil
	}
	return &execerrors.Error{
		Kind:    execerrors.Kind(doc.Kind),
		Message: doc.Message,
		NodeID:  doc.NodeID,
		Cause:   fromErrorDocument(doc.Cause),
	}
}

// collection narrows *mongo.Collection so tests can substitute fakes.
type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}

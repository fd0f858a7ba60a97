package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/dimdate"
	"github.com/Ramsey-B/fern/pkg/facts"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/registry"
	"github.com/Ramsey-B/fern/pkg/rejects"
	"github.com/Ramsey-B/fern/pkg/scd2"
)

var silent = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

var (
	jan1  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jan10 = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	jan20 = time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	feb1  = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	feb5  = time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)
	feb10 = time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
)

const usEast = "United States|East|New York|New York City|10001"

type harness struct {
	rules    *config.Rules
	keys     *registry.MemoryStore
	registry *registry.Registry
	dims     *scd2.MemoryStore
	writer   *scd2.Writer
	facts    *facts.MemoryStore
	builder  *facts.Builder
	source   *SliceSource
	marks    *MemoryWatermarks
	sink     *audit.MemorySink
	rejects  *rejects.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	rules, err := config.LoadRules("../../config/rules.yaml")
	require.NoError(t, err)

	h := &harness{
		rules:   rules,
		keys:    registry.NewMemoryStore(),
		dims:    scd2.NewMemoryStore(),
		facts:   facts.NewMemoryStore(),
		source:  &SliceSource{},
		marks:   NewMemoryWatermarks(),
		sink:    audit.NewMemorySink(),
		rejects: rejects.NewMemoryStore(),
	}
	h.registry = registry.New(h.keys, silent)
	h.writer = scd2.NewWriter(h.dims, rules, silent)

	rows, err := dimdate.Generate(time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), 1, nil)
	require.NoError(t, err)
	dates := facts.DateSet{}
	for _, row := range rows {
		dates[row.DateKey] = true
	}
	h.builder = facts.NewBuilder(h.registry, h.dims, dates, h.facts, facts.Options{}, silent)
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Rules:       h.rules,
		Registry:    h.registry,
		Writer:      h.writer,
		Facts:       h.builder,
		Records:     h.source,
		FactInputs:  h.source,
		Watermarks:  h.marks,
		Locker:      NewLocalLocker(),
		AuditSinks:  []audit.Sink{h.sink},
		RejectStore: h.rejects,
	}
}

func (h *harness) runner(t *testing.T, deps Deps) *Runner {
	t.Helper()
	r, err := NewRunner(deps, Options{ResolveWorkers: 2}, silent)
	require.NoError(t, err)
	return r
}

func (h *harness) history(t *testing.T, entityType models.EntityType, naturalKey string) []models.DimensionVersion {
	t.Helper()
	ctx := context.Background()
	sk, found, err := h.registry.Lookup(ctx, entityType, naturalKey)
	require.NoError(t, err)
	require.True(t, found, "%s %q is not registered", entityType, naturalKey)
	versions, err := h.writer.History(ctx, entityType, sk)
	require.NoError(t, err)
	return versions
}

func record(id, system string, entityType models.EntityType, change models.ChangeType, at time.Time, attrs models.Attributes) models.RawEntityRecord {
	return models.RawEntityRecord{
		RecordID:        id,
		SourceSystem:    system,
		EntityType:      entityType,
		ChangeType:      change,
		Attributes:      attrs,
		SourceTimestamp: at,
	}
}

func customer(id, system string, at time.Time, attrs models.Attributes) models.RawEntityRecord {
	return record(id, system, models.EntityTypeCustomer, models.ChangeTypeUpdate, at, attrs)
}

func product(id string, change models.ChangeType, at time.Time, productID, name string) models.RawEntityRecord {
	return record(id, "erp", models.EntityTypeProduct, change, at, models.Attributes{
		"product_id":   productID,
		"product_name": name,
		"category":     "furniture",
	})
}

func orderLine(order, customerKey, productKey string, date time.Time) models.FactInput {
	return models.FactInput{
		OrderID:            order,
		LineID:             "1",
		BusinessDate:       date,
		CustomerNaturalKey: customerKey,
		ProductNaturalKey:  productKey,
		CountryNaturalKey:  usEast,
		Quantity:           decimal.NewFromInt(3),
		Sales:              decimal.RequireFromString("731.94"),
		Discount:           decimal.Zero,
		Profit:             decimal.RequireFromString("219.58"),
		ShipMode:           "Second Class",
	}
}

func firstBatch() []models.RawEntityRecord {
	return []models.RawEntityRecord{
		customer("r1", "crm", jan1, models.Attributes{
			"customer_id":   "cg-12520 ",
			"customer_name": "Jane Doe",
			"email":         "Jane.Doe@Example.com",
			"segment":       "consumer",
			"postal_code":   "10001",
		}),
		customer("r2", "web", jan1, models.Attributes{
			"customer_id":   "WEB-88",
			"customer_name": "Jane D.",
			"email":         " jane.doe@example.com",
			"segment":       "consumer",
		}),
		customer("r4", "crm", jan1, models.Attributes{
			"customer_name": "Nobody",
		}),
		product("p1", models.ChangeTypeInsert, jan1, "FUR-1", "Bookcase"),
		product("p2", models.ChangeTypeInsert, jan1, "OFF-2", "Stapler"),
		record("c1", "erp", models.EntityTypeCountry, models.ChangeTypeInsert, jan1, models.Attributes{
			"country":     "United States",
			"region":      "East",
			"state":       "New York",
			"city":        "New York City",
			"postal_code": "10001",
		}),
	}
}

func TestRunner_Run(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runner := h.runner(t, h.deps())

	h.source.Entities = firstBatch()
	h.source.Lines = []models.FactInput{
		orderLine("O1", "CG-12520", "FUR-1", jan10),
		orderLine("O2", "CG-404", "FUR-1", jan10),
	}

	var firstSK int64

	t.Run("first batch consolidates and loads facts", func(t *testing.T) {
		summary, err := runner.Run(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, "b1", summary.BatchID)

		customers := summary.Entities[models.EntityTypeCustomer]
		require.NotNil(t, customers)
		assert.Equal(t, 3, customers.Records)
		assert.Equal(t, 2, customers.Normalized)
		assert.Equal(t, 1, customers.Clusters)
		assert.Equal(t, 1, customers.Inserted)
		assert.Equal(t, 1, customers.Rejected)
		assert.Equal(t, jan1, customers.Watermark)

		assert.Equal(t, 2, summary.Entities[models.EntityTypeProduct].Inserted)
		assert.Equal(t, 1, summary.Entities[models.EntityTypeCountry].Inserted)

		versions := h.history(t, models.EntityTypeCustomer, "CG-12520")
		require.Len(t, versions, 1)
		firstSK = versions[0].SurrogateKey
		assert.Equal(t, "Jane Doe", versions[0].Attributes["customer_name"])
		assert.Equal(t, "jane.doe@example.com", versions[0].Attributes["email"])
		assert.Equal(t, "Consumer", versions[0].Attributes["segment"])
		assert.True(t, versions[0].CurrentFlag)

		aliased, found, err := h.registry.Lookup(ctx, models.EntityTypeCustomer, "WEB-88")
		require.NoError(t, err)
		assert.True(t, found, "the web id is an alias of the consolidated member")
		assert.Equal(t, firstSK, aliased)
		assert.Equal(t, 4, h.keys.Len())

		assert.Equal(t, 1, summary.FactsInserted)
		fact, err := h.facts.Get(ctx, "O1", "1")
		require.NoError(t, err)
		require.NotNil(t, fact)
		assert.Equal(t, firstSK, fact.CustomerSK)
		assert.Equal(t, versions[0].VersionID, fact.CustomerVer)
		assert.Equal(t, 20240110, fact.OrderDateKey)

		require.Len(t, summary.Rejects, 2)
		reasons := map[models.ReasonCode]models.EntityType{}
		for _, r := range summary.Rejects {
			reasons[r.ReasonCode] = r.EntityType
		}
		assert.Equal(t, models.EntityTypeCustomer, reasons[models.ReasonValidationFailed])
		assert.Equal(t, models.EntityTypeCustomer, reasons[models.ReasonDanglingReference])

		persisted, err := h.rejects.ListByBatch(ctx, "b1")
		require.NoError(t, err)
		assert.Len(t, persisted, 2)

		assert.Equal(t, 1, h.sink.Count(models.StageDimension, models.EntityTypeCustomer, models.OperationInsert))
		assert.Equal(t, 2, h.sink.Count(models.StageDimension, models.EntityTypeProduct, models.OperationInsert))
		assert.Equal(t, 1, h.sink.Count(models.StageNormalize, models.EntityTypeCustomer, models.OperationReject))
		assert.Equal(t, 1, h.sink.Count(models.StageFact, models.EntityTypeOrderLine, models.OperationInsert))
		assert.Equal(t, 1, h.sink.Count(models.StageFact, models.EntityTypeCustomer, models.OperationReject))
		assert.Zero(t, summary.AuditFailures)
	})

	t.Run("second batch versions changes and binds facts by date", func(t *testing.T) {
		h.source.Entities = append(h.source.Entities,
			customer("r5", "crm", feb1, models.Attributes{
				"customer_id":   "CG-12520",
				"customer_name": "Jane Doe-Smith",
				"email":         "jane.doe@example.com",
				"segment":       "Consumer",
				"postal_code":   "10001",
			}),
			product("p3", models.ChangeTypeDelete, feb5, "FUR-1", "Bookcase"),
		)
		h.source.Lines = []models.FactInput{
			orderLine("O3", "CG-12520", "OFF-2", feb10),
			orderLine("O4", "CG-12520", "OFF-2", jan20),
			orderLine("O1", "CG-12520", "FUR-1", jan10),
			orderLine("O5", "CG-12520", "FUR-1", feb10),
		}

		summary, err := runner.Run(ctx, "b2")
		require.NoError(t, err)

		customers := summary.Entities[models.EntityTypeCustomer]
		assert.Equal(t, 1, customers.Records, "only records past the watermark are read")
		assert.Equal(t, 1, customers.Updated)
		assert.Equal(t, feb1, customers.Watermark)
		assert.Equal(t, 1, summary.Entities[models.EntityTypeProduct].Expired)
		assert.Zero(t, summary.Entities[models.EntityTypeCountry].Records)

		versions := h.history(t, models.EntityTypeCustomer, "CG-12520")
		require.Len(t, versions, 2)
		assert.NoError(t, scd2.ValidateHistory(versions))
		assert.Equal(t, firstSK, versions[1].SurrogateKey)
		require.NotNil(t, versions[0].EffectiveTo)
		assert.Equal(t, feb1, *versions[0].EffectiveTo)
		assert.Equal(t, "Jane Doe-Smith", versions[1].Attributes["customer_name"])

		retired := h.history(t, models.EntityTypeProduct, "FUR-1")
		require.Len(t, retired, 1)
		assert.Equal(t, models.EndReasonRetired, retired[0].EndReason)

		assert.Equal(t, 2, summary.FactsInserted)
		o3, err := h.facts.Get(ctx, "O3", "1")
		require.NoError(t, err)
		require.NotNil(t, o3)
		assert.Equal(t, versions[1].VersionID, o3.CustomerVer)

		o4, err := h.facts.Get(ctx, "O4", "1")
		require.NoError(t, err)
		require.NotNil(t, o4)
		assert.Equal(t, versions[0].VersionID, o4.CustomerVer)

		o1, err := h.facts.Get(ctx, "O1", "1")
		require.NoError(t, err)
		assert.Equal(t, "b1", o1.BatchID)

		reasons := map[models.ReasonCode]models.EntityType{}
		for _, r := range summary.Rejects {
			reasons[r.ReasonCode] = r.EntityType
		}
		require.Len(t, summary.Rejects, 2)
		assert.Equal(t, models.EntityTypeOrderLine, reasons[models.ReasonFactImmutable])
		assert.Equal(t, models.EntityTypeProduct, reasons[models.ReasonDanglingReference])

		assert.Equal(t, 1, h.sink.Count(models.StageDimension, models.EntityTypeCustomer, models.OperationUpdate))
		assert.Equal(t, 1, h.sink.Count(models.StageDimension, models.EntityTypeProduct, models.OperationExpire))
	})
}

func TestRunner_LaterBatches(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*harness, *Runner, int64) {
		h := newHarness(t)
		runner := h.runner(t, h.deps())
		h.source.Entities = firstBatch()
		_, err := runner.Run(ctx, "b1")
		require.NoError(t, err)
		versions := h.history(t, models.EntityTypeCustomer, "CG-12520")
		require.Len(t, versions, 1)
		return h, runner, versions[0].SurrogateKey
	}

	t.Run("a returning source id keeps the member's surrogate key", func(t *testing.T) {
		h, runner, firstSK := setup(t)
		h.source.Entities = append(h.source.Entities, customer("r6", "web", feb1, models.Attributes{
			"customer_id":   "WEB-88",
			"customer_name": "Jane D.",
			"email":         "jane.doe@example.com",
		}))
		h.source.Lines = []models.FactInput{orderLine("O9", "WEB-88", "OFF-2", feb10)}

		summary, err := runner.Run(ctx, "b2")
		require.NoError(t, err)
		customers := summary.Entities[models.EntityTypeCustomer]
		assert.Equal(t, 1, customers.Records)
		assert.Equal(t, 1, customers.Clusters)
		assert.Zero(t, customers.Inserted)
		assert.Equal(t, 1, customers.Unchanged, "the newer web id does not take over the natural key")
		assert.Equal(t, 4, h.keys.Len(), "no surrogate key is allocated for a known member")

		sk, found, err := h.registry.Lookup(ctx, models.EntityTypeCustomer, "WEB-88")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, firstSK, sk)

		versions := h.history(t, models.EntityTypeCustomer, "CG-12520")
		require.Len(t, versions, 1)
		assert.Equal(t, firstSK, versions[0].SurrogateKey)
		assert.Equal(t, "CG-12520", versions[0].NaturalKey)
		assert.Equal(t, "CG-12520", versions[0].Attributes["customer_id"])
		assert.Equal(t, "Jane Doe", versions[0].Attributes["customer_name"])
		assert.Equal(t, "Consumer", versions[0].Attributes["segment"])
		assert.Equal(t, "10001", versions[0].Attributes["postal_code"])

		fact, err := h.facts.Get(ctx, "O9", "1")
		require.NoError(t, err)
		require.NotNil(t, fact)
		assert.Equal(t, firstSK, fact.CustomerSK)
	})

	t.Run("a sparse low confidence update does not erase richer sources", func(t *testing.T) {
		h, runner, firstSK := setup(t)
		h.source.Entities = append(h.source.Entities, customer("r7", "web", feb1, models.Attributes{
			"customer_id":   "CG-12520",
			"customer_name": "jane d",
		}))

		summary, err := runner.Run(ctx, "b2")
		require.NoError(t, err)
		customers := summary.Entities[models.EntityTypeCustomer]
		assert.Equal(t, 1, customers.Unchanged)
		assert.Zero(t, customers.Updated)
		assert.Empty(t, summary.Rejects, "records rejected by an earlier run are not reported again")

		versions := h.history(t, models.EntityTypeCustomer, "CG-12520")
		require.Len(t, versions, 1)
		assert.Equal(t, firstSK, versions[0].SurrogateKey)
		assert.Equal(t, models.Attributes{
			"customer_id":   "CG-12520",
			"customer_name": "Jane Doe",
			"email":         "jane.doe@example.com",
			"segment":       "Consumer",
			"postal_code":   "10001",
		}, versions[0].Attributes)
	})

	t.Run("an untouched cluster is not rewritten", func(t *testing.T) {
		h, runner, _ := setup(t)
		h.source.Entities = append(h.source.Entities, product("p4", models.ChangeTypeUpdate, feb1, "OFF-2", "Heavy Stapler"))

		summary, err := runner.Run(ctx, "b2")
		require.NoError(t, err)
		products := summary.Entities[models.EntityTypeProduct]
		assert.Equal(t, 1, products.Clusters)
		assert.Equal(t, 1, products.Updated)
		assert.Zero(t, products.Unchanged)
		assert.Len(t, h.history(t, models.EntityTypeProduct, "FUR-1"), 1)
		assert.Len(t, h.history(t, models.EntityTypeProduct, "OFF-2"), 2)
	})
}

func TestRunner_DeleteOfUnknownMember(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runner := h.runner(t, h.deps())
	h.source.Entities = []models.RawEntityRecord{
		product("p9", models.ChangeTypeDelete, jan1, "TEC-9", "Phone"),
	}

	summary, err := runner.Run(ctx, "b1")
	require.NoError(t, err)

	products := summary.Entities[models.EntityTypeProduct]
	assert.Equal(t, 1, products.Unchanged)
	assert.Zero(t, products.Expired)
	assert.Empty(t, summary.Rejects)
	assert.Zero(t, h.keys.Len(), "a delete never allocates a surrogate key")

	_, found, err := h.registry.Lookup(ctx, models.EntityTypeProduct, "TEC-9")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, jan1, products.Watermark)
}

type txMarker struct{}

// recordingTx counts transactions and marks the context it hands to fn
type recordingTx struct {
	mu    sync.Mutex
	calls int
}

func (tx *recordingTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx.mu.Lock()
	tx.calls++
	tx.mu.Unlock()
	return fn(context.WithValue(ctx, txMarker{}, true))
}

// txCheckedKeys counts allocations made outside a transaction
type txCheckedKeys struct {
	*registry.MemoryStore
	mu      sync.Mutex
	outside int
}

func (s *txCheckedKeys) Allocate(ctx context.Context, entityType models.EntityType, naturalKey string) (int64, error) {
	if ctx.Value(txMarker{}) == nil {
		s.mu.Lock()
		s.outside++
		s.mu.Unlock()
	}
	return s.MemoryStore.Allocate(ctx, entityType, naturalKey)
}

func TestRunner_Transactions(t *testing.T) {
	ctx := context.Background()

	t.Run("registration and versioning share one transaction", func(t *testing.T) {
		h := newHarness(t)
		keys := &txCheckedKeys{MemoryStore: h.keys}
		tx := &recordingTx{}
		deps := h.deps()
		deps.Registry = registry.New(keys, silent)
		deps.Tx = tx
		runner := h.runner(t, deps)
		h.source.Entities = firstBatch()

		_, err := runner.Run(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 4, tx.calls, "one transaction per golden record")
		assert.Zero(t, keys.outside)
		assert.Equal(t, 4, h.keys.Len())
	})

	t.Run("a failed transaction aborts the run", func(t *testing.T) {
		h := newHarness(t)
		deps := h.deps()
		deps.Tx = failingTx{err: errors.New("serialization failure")}
		runner := h.runner(t, deps)
		h.source.Entities = firstBatch()

		_, err := runner.Run(ctx, "b1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "serialization failure")
		assert.Zero(t, h.keys.Len())
	})
}

type failingTx struct{ err error }

func (tx failingTx) WithinTx(context.Context, func(ctx context.Context) error) error {
	return tx.err
}

func TestRunner_OutOfOrderUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	deps := h.deps()
	deps.Watermarks = nil
	runner := h.runner(t, deps)

	h.source.Entities = []models.RawEntityRecord{
		customer("r1", "crm", feb1, models.Attributes{"customer_id": "C1", "customer_name": "Jane Doe"}),
	}
	_, err := runner.Run(ctx, "b1")
	require.NoError(t, err)

	h.source.Entities = []models.RawEntityRecord{
		customer("r0", "crm", jan1, models.Attributes{"customer_id": "C1", "customer_name": "Jane Roe"}),
	}
	summary, err := runner.Run(ctx, "b2")
	require.NoError(t, err)

	require.Len(t, summary.Rejects, 1)
	assert.Equal(t, models.ReasonOutOfOrderUpdate, summary.Rejects[0].ReasonCode)
	assert.Equal(t, models.StageDimension, summary.Rejects[0].Stage)
	assert.Equal(t, "C1", summary.Rejects[0].NaturalKey)

	versions := h.history(t, models.EntityTypeCustomer, "C1")
	require.Len(t, versions, 1)
	assert.Equal(t, "Jane Doe", versions[0].Attributes["customer_name"])
}

func TestRunner_UnresolvableCluster(t *testing.T) {
	h := newHarness(t)
	runner := h.runner(t, h.deps())

	h.source.Entities = []models.RawEntityRecord{
		customer("r1", "crm", jan1, models.Attributes{"customer_id": "C1"}),
	}
	summary, err := runner.Run(context.Background(), "b1")
	require.NoError(t, err)

	require.Len(t, summary.Rejects, 1)
	assert.Equal(t, models.ReasonUnresolvableCluster, summary.Rejects[0].ReasonCode)
	assert.Equal(t, []string{"r1"}, summary.Rejects[0].SourceRecordIDs)
	assert.Zero(t, h.keys.Len())
	assert.Equal(t, jan1, summary.Entities[models.EntityTypeCustomer].Watermark)
}

type failingSink struct{}

func (failingSink) Name() string { return "broken" }

func (failingSink) Write(context.Context, []models.AuditEvent) error {
	return errors.New("broker unavailable")
}

type recordingLineage struct {
	mu       sync.Mutex
	lineages []graph.Lineage
	err      error
}

func (l *recordingLineage) Project(_ context.Context, lineage graph.Lineage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lineages = append(l.lineages, lineage)
	return l.err
}

func TestRunner_OptionalCollaborators(t *testing.T) {
	ctx := context.Background()

	t.Run("audit sink failures are counted, not fatal", func(t *testing.T) {
		h := newHarness(t)
		deps := h.deps()
		deps.AuditSinks = append(deps.AuditSinks, failingSink{})
		runner := h.runner(t, deps)
		h.source.Entities = firstBatch()

		summary, err := runner.Run(ctx, "b1")
		require.NoError(t, err)
		assert.Positive(t, summary.AuditFailures)
		assert.NotEmpty(t, summary.AuditEvents)
		assert.Equal(t, 1, h.sink.Count(models.StageDimension, models.EntityTypeCustomer, models.OperationInsert))
	})

	t.Run("lineage is projected per golden record", func(t *testing.T) {
		h := newHarness(t)
		lineage := &recordingLineage{}
		deps := h.deps()
		deps.Lineage = lineage
		runner := h.runner(t, deps)
		h.source.Entities = firstBatch()

		_, err := runner.Run(ctx, "b1")
		require.NoError(t, err)

		require.Len(t, lineage.lineages, 4)
		for _, l := range lineage.lineages {
			if l.EntityType != models.EntityTypeCustomer {
				continue
			}
			assert.Equal(t, "CG-12520", l.NaturalKey)
			assert.Equal(t, []graph.SourceRef{{SourceSystem: "crm", RecordID: "r1"}, {SourceSystem: "web", RecordID: "r2"}}, l.Sources)
		}
	})

	t.Run("lineage failures do not abort the run", func(t *testing.T) {
		h := newHarness(t)
		deps := h.deps()
		deps.Lineage = &recordingLineage{err: errors.New("neo4j unavailable")}
		runner := h.runner(t, deps)
		h.source.Entities = firstBatch()

		summary, err := runner.Run(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Entities[models.EntityTypeCustomer].Inserted)
	})

	t.Run("facts can be skipped", func(t *testing.T) {
		h := newHarness(t)
		runner, err := NewRunner(h.deps(), Options{SkipFacts: true, EntityTypes: []models.EntityType{models.EntityTypeProduct}}, silent)
		require.NoError(t, err)
		h.source.Entities = firstBatch()
		h.source.Lines = []models.FactInput{orderLine("O1", "CG-12520", "FUR-1", jan10)}

		summary, err := runner.Run(ctx, "")
		require.NoError(t, err)
		assert.NotEmpty(t, summary.BatchID)
		assert.Len(t, summary.Entities, 1)
		assert.Zero(t, summary.FactsInserted)
	})
}

type brokenKeys struct{}

func (brokenKeys) Get(context.Context, models.EntityType, string) (int64, bool, error) {
	return 0, false, errors.New("connection reset")
}

func (brokenKeys) Allocate(context.Context, models.EntityType, string) (int64, error) {
	return 0, errors.New("connection reset")
}

func (brokenKeys) Find(context.Context, models.EntityType, []string) ([]models.SurrogateKeyEntry, error) {
	return nil, errors.New("connection reset")
}

func (brokenKeys) Alias(context.Context, models.EntityType, string, int64) error {
	return errors.New("connection reset")
}

func TestRunner_Failures(t *testing.T) {
	t.Run("missing collaborators", func(t *testing.T) {
		_, err := NewRunner(Deps{}, Options{}, silent)
		assert.Error(t, err)
	})

	t.Run("store errors abort the run", func(t *testing.T) {
		h := newHarness(t)
		deps := h.deps()
		deps.Registry = registry.New(brokenKeys{}, silent)
		runner := h.runner(t, deps)
		h.source.Entities = firstBatch()

		summary, err := runner.Run(context.Background(), "b1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
		require.NotNil(t, summary)
		assert.Zero(t, summary.FactsInserted)

		_, ok := h.marks.marks[models.EntityTypeCustomer]
		assert.False(t, ok, "a failed entity run keeps its watermark")
	})

	t.Run("cancellation", func(t *testing.T) {
		h := newHarness(t)
		runner := h.runner(t, h.deps())
		h.source.Entities = firstBatch()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := runner.Run(ctx, "b1")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, h.keys.Len())
	})
}

package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.heromessaging.dev/heromessaging/internal/common/repository"
	"go.heromessaging.dev/heromessaging/internal/idgen"
	"go.heromessaging.dev/heromessaging/internal/saga"
)

const sagaCollection = "saga_instances"

type compensationDoc struct {
	Name         string    `bson:"name"`
	RegisteredAt time.Time `bson:"registeredAt"`
}

type sagaDoc struct {
	ID            string            `bson:"_id"`
	SagaType      string            `bson:"sagaType"`
	CorrelationID string            `bson:"correlationId"`
	State         string            `bson:"state"`
	Version       int               `bson:"version"`
	Data          any               `bson:"data,omitempty"`
	Created       time.Time         `bson:"created"`
	Updated       time.Time         `bson:"updated"`
	Completed     bool              `bson:"completed"`
	Compensations []compensationDoc `bson:"compensations,omitempty"`
}

func toSagaDoc(i *saga.Instance) *sagaDoc {
	d := &sagaDoc{
		ID:            i.ID,
		SagaType:      i.SagaType,
		CorrelationID: i.CorrelationID,
		State:         i.State,
		Version:       i.Version,
		Data:          i.Data,
		Created:       i.Created,
		Updated:       i.Updated,
		Completed:     i.Completed,
	}
	for _, c := range i.Compensations {
		d.Compensations = append(d.Compensations, compensationDoc{Name: c.Name, RegisteredAt: c.RegisteredAt})
	}
	return d
}

func fromSagaDoc(d *sagaDoc) *saga.Instance {
	i := &saga.Instance{
		ID:            d.ID,
		SagaType:      d.SagaType,
		CorrelationID: d.CorrelationID,
		State:         d.State,
		Version:       d.Version,
		Data:          d.Data,
		Created:       d.Created,
		Updated:       d.Updated,
		Completed:     d.Completed,
	}
	for _, c := range d.Compensations {
		i.Compensations = append(i.Compensations, saga.CompensationRecord{Name: c.Name, RegisteredAt: c.RegisteredAt})
	}
	return i
}

// SagaRepository implements saga.Repository on MongoDB. The version guard
// rides FindOneAndUpdate: the filter matches the expected version, so two
// concurrent steps from the same version race on a single atomic document
// update and exactly one wins.
type SagaRepository struct {
	db *mongo.Database
}

// NewSagaRepository creates a MongoDB-backed saga repository
func NewSagaRepository(db *mongo.Database) *SagaRepository {
	return &SagaRepository{db: db}
}

func (r *SagaRepository) instances() *mongo.Collection {
	return r.db.Collection(sagaCollection)
}

func (r *SagaRepository) FindByID(ctx context.Context, id string) (*saga.Instance, error) {
	return repository.Instrument(ctx, sagaCollection, "findById", func() (*saga.Instance, error) {
		var d sagaDoc
		err := r.instances().FindOne(ctx, bson.M{"_id": id}).Decode(&d)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, saga.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("find saga: %w", err)
		}
		return fromSagaDoc(&d), nil
	})
}

func (r *SagaRepository) FindByCorrelation(ctx context.Context, sagaType, correlationID string) (*saga.Instance, bool, error) {
	type result struct {
		instance *saga.Instance
		found    bool
	}
	res, err := repository.Instrument(ctx, sagaCollection, "findByCorrelation", func() (result, error) {
		var d sagaDoc
		err := r.instances().FindOne(ctx,
			bson.M{"sagaType": sagaType, "correlationId": correlationID, "completed": false},
			options.FindOne().SetSort(bson.D{{Key: "updated", Value: -1}}),
		).Decode(&d)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return result{}, nil
		}
		if err != nil {
			return result{}, fmt.Errorf("find saga by correlation: %w", err)
		}
		return result{instance: fromSagaDoc(&d), found: true}, nil
	})
	return res.instance, res.found, err
}

func (r *SagaRepository) Save(ctx context.Context, instance *saga.Instance, expectedVersion int) error {
	return repository.InstrumentVoid(ctx, sagaCollection, "save", func() error {
		if instance.ID == "" {
			instance.ID = idgen.Generate()
		}

		if expectedVersion == 0 {
			_, err := r.instances().InsertOne(ctx, toSagaDoc(instance))
			if mongo.IsDuplicateKeyError(err) {
				return saga.ErrConcurrencyConflict
			}
			if err != nil {
				return fmt.Errorf("insert saga: %w", err)
			}
			return nil
		}

		doc := toSagaDoc(instance)
		update := bson.M{"$set": bson.M{
			"sagaType":      doc.SagaType,
			"correlationId": doc.CorrelationID,
			"state":         doc.State,
			"version":       doc.Version,
			"data":          doc.Data,
			"updated":       doc.Updated,
			"completed":     doc.Completed,
			"compensations": doc.Compensations,
		}}
		res := r.instances().FindOneAndUpdate(ctx,
			bson.M{"_id": instance.ID, "version": expectedVersion},
			update,
		)
		if err := res.Err(); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return saga.ErrConcurrencyConflict
			}
			return fmt.Errorf("save saga: %w", err)
		}
		return nil
	})
}

func (r *SagaRepository) Delete(ctx context.Context, id string) error {
	return repository.InstrumentVoid(ctx, sagaCollection, "delete", func() error {
		_, err := r.instances().DeleteOne(ctx, bson.M{"_id": id})
		if err != nil {
			return fmt.Errorf("delete saga: %w", err)
		}
		return nil
	})
}

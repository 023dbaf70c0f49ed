package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vaultctl/vaultsync/internal/crypto"
	"github.com/vaultctl/vaultsync/internal/vault"
)

// MongoStore keeps one envelope document per owner, keyed by _id
type MongoStore struct {
	client   *mongo.Client
	coll     *mongo.Collection
	deviceID string
}

type mongoVault struct {
	Owner      string           `bson:"_id"`
	Ciphertext string           `bson:"vault_ciphertext"`
	Nonce      string           `bson:"vault_nonce"`
	KDFSalt    string           `bson:"kdf_salt"`
	KDFParams  crypto.KDFConfig `bson:"kdf_params"`
	Cipher     string           `bson:"cipher,omitempty"`
	Version    int64            `bson:"vault_version"`
	UpdatedAt  time.Time        `bson:"updatedAt"`
	DeviceID   string           `bson:"device_id"`
}

// NewMongoStore connects and verifies the connection quickly
func NewMongoStore(ctx context.Context, uri, dbName, collName string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnreachable, err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnreachable, err)
	}

	return &MongoStore{
		client:   cli,
		coll:     cli.Database(dbName).Collection(collName),
		deviceID: GetDeviceID(),
	}, nil
}

// Close disconnects the client
func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func toMongo(owner, device string, env *vault.Envelope) mongoVault {
	return mongoVault{
		Owner:      owner,
		Ciphertext: env.Ciphertext,
		Nonce:      env.Nonce,
		KDFSalt:    env.KDFSalt,
		KDFParams:  env.KDFConfig,
		Cipher:     env.Cipher,
		Version:    env.SyncVersion,
		UpdatedAt:  time.Now().UTC(),
		DeviceID:   device,
	}
}

func (d mongoVault) envelope() *vault.Envelope {
	return &vault.Envelope{
		Ciphertext:  d.Ciphertext,
		Nonce:       d.Nonce,
		KDFSalt:     d.KDFSalt,
		KDFConfig:   d.KDFParams,
		SyncVersion: d.Version,
		Cipher:      d.Cipher,
	}
}

// classifyMongo marks network and timeout failures as unreachable
func classifyMongo(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: mongo %s: %v", ErrRemoteUnreachable, op, err)
	}
	return fmt.Errorf("mongo %s: %w", op, err)
}

// FetchEnvelope loads the owner's document
func (m *MongoStore) FetchEnvelope(ctx context.Context, owner string) (*vault.Envelope, error) {
	var doc mongoVault
	err := m.coll.FindOne(ctx, bson.M{"_id": owner}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyMongo(ctx, "find", err)
	}
	return doc.envelope(), nil
}

// FetchVersion reads only vault_version
func (m *MongoStore) FetchVersion(ctx context.Context, owner string) (int64, error) {
	var doc struct {
		Version int64 `bson:"vault_version"`
	}
	opts := options.FindOne().SetProjection(bson.M{"vault_version": 1})
	err := m.coll.FindOne(ctx, bson.M{"_id": owner}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, classifyMongo(ctx, "find version", err)
	}
	return doc.Version, nil
}

// CommitEnvelope replaces the document only while its version is lower
func (m *MongoStore) CommitEnvelope(ctx context.Context, owner string, env *vault.Envelope) (int64, error) {
	doc := toMongo(owner, m.deviceID, env)
	res, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": owner, "vault_version": bson.M{"$lt": env.SyncVersion}},
		bson.M{"$set": bson.M{
			"vault_ciphertext": doc.Ciphertext,
			"vault_nonce":      doc.Nonce,
			"kdf_salt":         doc.KDFSalt,
			"kdf_params":       doc.KDFParams,
			"cipher":           doc.Cipher,
			"vault_version":    doc.Version,
			"updatedAt":        doc.UpdatedAt,
			"device_id":        doc.DeviceID,
		}},
	)
	if err != nil {
		return 0, classifyMongo(ctx, "update", err)
	}
	if res.MatchedCount == 1 {
		return env.SyncVersion, nil
	}

	server, err := m.FetchVersion(ctx, owner)
	if err != nil {
		return 0, err
	}
	return 0, &VersionConflictError{ServerVersion: server}
}

// Register inserts the first document; a duplicate _id means taken
func (m *MongoStore) Register(ctx context.Context, owner string, env *vault.Envelope) error {
	_, err := m.coll.InsertOne(ctx, toMongo(owner, m.deviceID, env))
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyRegistered
	}
	if err != nil {
		return classifyMongo(ctx, "insert", err)
	}
	return nil
}

package mdb

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/loggo"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

var logger = loggo.GetLogger("mdb")

// Access encapsulates database connection.
type Access struct {
	client   *mongo.Client
	database *mongo.Database
	config   Config
}

var (
	// DefaultURI is the connection URI used by tests and tools when MONGODB_URI is not set.
	DefaultURI = "mongodb://localhost:27017"

	// DefaultDatabase is used when neither Config.Database nor the URI name a database.
	DefaultDatabase = "test"

	// DefaultLogInfoFn is the default info logging function.
	DefaultLogInfoFn = func(msg string) {
		logger.Infof("%s", msg)
	}

	// DefaultConnectTimeout is the default timeout for the initial connect.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultDisconnectTimeout is the default timeout for the disconnect.
	DefaultDisconnectTimeout = 10 * time.Second

	// DefaultPingTimeout is the default timeout for the ping to make sure the connection is up.
	DefaultPingTimeout = 2 * time.Second

	// DefaultServerSelectionTimeout bounds how long an operation waits for a usable server
	// when command buffering is disabled.
	DefaultServerSelectionTimeout = 5 * time.Second
)

// Config items for Mongo DB connection.
type Config struct {
	// Base context for use in calls to Mongo.
	Ctx context.Context

	// Database name, overrides any database in the connection URI.
	Database string

	// Application name reported to the server.
	AppName string

	// BufferCommands lets operations wait for a usable server for as long as the driver allows.
	// When false operations fail after Timeout.ServerSelection.
	BufferCommands bool

	// Optional BSON codec registry for handling special types.
	Registry *bsoncodec.Registry

	// Logging function for information messages may be overridden.
	LogInfoFn func(msg string)
	// Errors should bubble up and be handled by client code.

	Timeout
}

// Timeout settings for Mongo DB access.
type Timeout struct {
	// Timeout for the initial connect.
	Connect time.Duration

	// Timeout for the disconnect.
	Disconnect time.Duration

	// Timeout for the ping to make sure the connection is up.
	Ping time.Duration

	// Timeout for server selection when command buffering is disabled.
	ServerSelection time.Duration
}

// Connect to Mongo DB and return Access object.
// If the config is nil or partially filled the defaults are used.
// The server is pinged before Connect returns so that a handle is never
// returned for a deployment that has not answered.
func Connect(uri string, config *Config) (*Access, error) {
	if uri == "" {
		return nil, ErrMissingURI
	}

	config = fixConfig(config)
	ctx, cancel := context.WithTimeout(config.Ctx, config.Timeout.Connect)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions(uri, config))
	if err != nil {
		return nil, fmt.Errorf("unable to connect mongo server: %w", err)
	}

	access := &Access{
		client:   client,
		database: client.Database(databaseName(uri, config)),
		config:   *config,
	}

	if err = access.Ping(); err != nil {
		// Don't leak the client's monitoring goroutines on a failed connect.
		_ = access.Disconnect()
		return nil, err
	}

	access.Info("Connected to MongoDB database " + access.database.Name())

	return access, nil
}

// ConnectOrPanic connects to Mongo DB and returns Access object or panics on error.
func ConnectOrPanic(uri string, config *Config) *Access {
	access, err := Connect(uri, config)
	if err != nil {
		panic(err)
	}

	return access
}

// Disconnect Mongo DB client.
// Provided for use in defer statements.
func (a *Access) Disconnect() error {
	ctx, cancel := a.ContextWithTimeout(a.config.Timeout.Disconnect)
	defer cancel()
	if err := a.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("unable to disconnect mongo server: %w", err)
	}

	return nil
}

// DisconnectOrPanic disconnects the Mongo DB client or panics on error.
// Provided for use in defer statements.
func (a *Access) DisconnectOrPanic() {
	if err := a.Disconnect(); err != nil {
		panic(err)
	}
}

// Client returns the Mongo client object.
func (a *Access) Client() *mongo.Client {
	return a.client
}

// Context returns the base context for the object.
func (a *Access) Context() context.Context {
	return a.config.Ctx
}

// ContextWithTimeout returns the base context for the object with the specified timeout.
func (a *Access) ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(a.config.Ctx, timeout)
}

// Database returns the Mongo database object.
func (a *Access) Database() *mongo.Database {
	return a.database
}

// Ping executes a ping against the Mongo server.
// This is separated from Connect() so that it can be overridden if necessary.
func (a *Access) Ping() error {
	ctx, cancel := a.ContextWithTimeout(a.config.Timeout.Ping)
	defer cancel()
	err := a.client.Ping(ctx, readpref.Primary())
	if err != nil {
		return fmt.Errorf("unable to ping mongo server: %w", err)
	}

	return nil
}

// Info logs a simple message through Config.LogInfoFn.
// This is used for a few calls within the Access and Cache code.
// It may be overridden to use another logger or to block these messages.
func (a *Access) Info(msg string) {
	a.config.LogInfoFn(msg)
}

func clientOptions(uri string, config *Config) *options.ClientOptions {
	opts := options.Client().ApplyURI(uri).SetConnectTimeout(config.Timeout.Connect)
	if config.AppName != "" {
		opts.SetAppName(config.AppName)
	}
	if config.Registry != nil {
		opts.SetRegistry(config.Registry)
	}
	if !config.BufferCommands {
		opts.SetServerSelectionTimeout(config.Timeout.ServerSelection)
	}
	return opts
}

func databaseName(uri string, config *Config) string {
	if config.Database != "" {
		return config.Database
	}

	// Parse errors surface from mongo.Connect, which has already succeeded here.
	if cs, err := connstring.ParseAndValidate(uri); err == nil && cs.Database != "" {
		return cs.Database
	}

	return DefaultDatabase
}

func fixConfig(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}

	if config.Ctx == nil {
		config.Ctx = context.Background()
	}

	if config.LogInfoFn == nil {
		config.LogInfoFn = DefaultLogInfoFn
	}

	if config.Timeout.Connect == 0 {
		config.Timeout.Connect = DefaultConnectTimeout
	}

	if config.Timeout.Disconnect == 0 {
		config.Timeout.Disconnect = DefaultDisconnectTimeout
	}

	if config.Timeout.Ping == 0 {
		config.Timeout.Ping = DefaultPingTimeout
	}

	if config.Timeout.ServerSelection == 0 {
		config.Timeout.ServerSelection = DefaultServerSelectionTimeout
	}

	return config
}

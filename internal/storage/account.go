// Package storage resolves connection strings into storage accounts that
// bundle a blob, queue and table store.
package storage

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/oriys/jobhost/internal/storage/blob"
	"github.com/oriys/jobhost/internal/storage/queue"
	"github.com/oriys/jobhost/internal/storage/table"
)

// DevelopmentConnectionString selects the process-wide in-memory account.
const DevelopmentConnectionString = "UseDevelopmentStorage=true"

var (
	ErrInvalidConnectionString = errors.New("storage: invalid connection string")
	ErrServiceNotConfigured    = errors.New("storage: service not configured for account")
)

// Account is a storage account. Services that the connection string does
// not configure are nil and reported by the accessor methods.
type Account struct {
	Name     string
	Blob     blob.Store
	Queue    queue.Store
	Notifier queue.Notifier
	Table    table.Store

	closers []func() error
}

// NewMemoryAccount returns an account backed entirely by process memory.
func NewMemoryAccount(name string) *Account {
	n := queue.NewChannelNotifier()
	return &Account{
		Name:     name,
		Blob:     blob.NewMemoryStore(),
		Queue:    &queue.NotifyingStore{Store: queue.NewMemoryStore(), Notifier: n},
		Notifier: n,
		Table:    table.NewMemoryStore(),
		closers:  []func() error{n.Close},
	}
}

var (
	devOnce    sync.Once
	devAccount *Account
)

// DevelopmentAccount returns the shared in-memory account.
func DevelopmentAccount() *Account {
	devOnce.Do(func() { devAccount = NewMemoryAccount("devstoreaccount1") })
	return devAccount
}

func (a *Account) BlobStore() (blob.Store, error) {
	if a.Blob == nil {
		return nil, errors.Wrapf(ErrServiceNotConfigured, "blob endpoint of %q", a.Name)
	}
	return a.Blob, nil
}

func (a *Account) QueueStore() (queue.Store, error) {
	if a.Queue == nil {
		return nil, errors.Wrapf(ErrServiceNotConfigured, "queue endpoint of %q", a.Name)
	}
	return a.Queue, nil
}

func (a *Account) TableStore() (table.Store, error) {
	if a.Table == nil {
		return nil, errors.Wrapf(ErrServiceNotConfigured, "table endpoint of %q", a.Name)
	}
	return a.Table, nil
}

// QueueNotifier returns the account's notifier, or a no-op one.
func (a *Account) QueueNotifier() queue.Notifier {
	if a.Notifier == nil {
		return queue.NewNoopNotifier()
	}
	return a.Notifier
}

func (a *Account) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConnectionString is the parsed form of
// "AccountName=..;BlobEndpoint=..;QueueEndpoint=..;TableEndpoint=..".
type ConnectionString struct {
	AccountName   string
	Development   bool
	BlobEndpoint  string
	QueueEndpoint string
	TableEndpoint string
	Extra         map[string]string
}

// ParseConnectionString parses a semicolon separated key=value list. Keys
// are case-insensitive.
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	if strings.TrimSpace(s) == "" {
		return cs, errors.Wrap(ErrInvalidConnectionString, "empty connection string")
	}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return cs, errors.Wrapf(ErrInvalidConnectionString, "segment %q is not key=value", part)
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "usedevelopmentstorage":
			cs.Development = strings.EqualFold(v, "true")
		case "accountname":
			cs.AccountName = v
		case "blobendpoint":
			cs.BlobEndpoint = v
		case "queueendpoint":
			cs.QueueEndpoint = v
		case "tableendpoint":
			cs.TableEndpoint = v
		default:
			if cs.Extra == nil {
				cs.Extra = make(map[string]string)
			}
			cs.Extra[k] = v
		}
	}
	if !cs.Development && cs.BlobEndpoint == "" && cs.QueueEndpoint == "" && cs.TableEndpoint == "" {
		return cs, errors.WithHint(
			errors.Wrap(ErrInvalidConnectionString, "no endpoints"),
			"use UseDevelopmentStorage=true or set BlobEndpoint, QueueEndpoint or TableEndpoint",
		)
	}
	return cs, nil
}

// Open connects every configured endpoint of cs.
func Open(ctx context.Context, cs ConnectionString) (*Account, error) {
	if cs.Development {
		return DevelopmentAccount(), nil
	}
	acct := &Account{Name: cs.AccountName}

	if cs.BlobEndpoint != "" {
		cfg, err := parseS3Endpoint(cs.BlobEndpoint)
		if err != nil {
			return nil, err
		}
		s, err := blob.NewS3Store(ctx, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "open blob endpoint of %q", cs.AccountName)
		}
		acct.Blob = s
	}

	if cs.QueueEndpoint != "" {
		s, err := queue.NewRedisStoreFromURL(ctx, cs.QueueEndpoint)
		if err != nil {
			acct.Close()
			return nil, errors.Wrapf(err, "open queue endpoint of %q", cs.AccountName)
		}
		n := queue.NewRedisListNotifier(s.Client())
		acct.Queue = &queue.NotifyingStore{Store: s, Notifier: n}
		acct.Notifier = n
		acct.closers = append(acct.closers, n.Close, s.Close)
	}

	if cs.TableEndpoint != "" {
		s, err := table.NewPostgresStore(ctx, cs.TableEndpoint)
		if err != nil {
			acct.Close()
			return nil, errors.Wrapf(err, "open table endpoint of %q", cs.AccountName)
		}
		acct.Table = s
		acct.closers = append(acct.closers, s.Close)
	}
	return acct, nil
}

// parseS3Endpoint reads s3://bucket?region=..&endpoint=..&accessKey=..&secretKey=..
func parseS3Endpoint(raw string) (blob.S3Config, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return blob.S3Config{}, errors.Wrapf(ErrInvalidConnectionString, "blob endpoint %q must be s3://bucket", raw)
	}
	q := u.Query()
	return blob.S3Config{
		Bucket:          u.Host,
		Region:          q.Get("region"),
		Endpoint:        q.Get("endpoint"),
		AccessKeyID:     q.Get("accessKey"),
		SecretAccessKey: q.Get("secretKey"),
	}, nil
}

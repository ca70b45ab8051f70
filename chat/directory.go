package chat

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"pairchat/metrics"
	"pairchat/models"
	"pairchat/replica"
)

// rangeSentinel is the highest code point. UTF-8 preserves code point order
// and identifiers may not contain it, so [prefix, prefix+rangeSentinel]
// covers every identifier starting with prefix.
const rangeSentinel = "\U0010FFFF"

// DirectoryOptions configures a DirectorySearch.
type DirectoryOptions struct {
	Store  replica.Store
	Self   string
	Logger zerolog.Logger
}

// DirectorySearch finds accounts by identifier prefix.
type DirectorySearch struct {
	options DirectoryOptions
	logger  zerolog.Logger
}

// NewDirectorySearch validates options.
func NewDirectorySearch(options DirectoryOptions) (*DirectorySearch, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	return &DirectorySearch{
		options: options,
		logger:  options.Logger.With().Str("component", "directory").Logger(),
	}, nil
}

// Search returns the accounts whose identifier starts with prefix, sorted
// by identifier and excluding self. Matching is case-sensitive. An empty
// prefix returns nothing without querying the store. The result is a
// point-in-time read.
func (d *DirectorySearch) Search(ctx context.Context, prefix string) ([]models.Account, error) {
	if prefix == "" {
		return nil, nil
	}

	snap, err := d.options.Store.RangeQuery(ctx, accountsRoot, "identifier", prefix, prefix+rangeSentinel)
	if err != nil {
		return nil, syncError("range_query", accountsRoot, err)
	}

	children, err := snap.Children()
	if err != nil {
		malformed := &MalformedDataError{Path: accountsRoot, Reason: "accounts tree is not an object", Err: err}
		d.logger.Warn().Err(malformed).Msg("directory search skipped")
		metrics.RecordSnapshot("directory", 1)
		return nil, nil
	}

	var (
		accounts  = make([]models.Account, 0, len(children))
		malformed int
	)
	for _, key := range sortedKeys(children) {
		if key == d.options.Self {
			continue
		}
		account, err := decodeAccount(AccountPath(key), key, children[key])
		if err != nil {
			malformed++
			d.logger.Warn().Err(err).Msg("skipping malformed account")
			continue
		}
		if account.Identifier == d.options.Self || !strings.HasPrefix(account.Identifier, prefix) {
			continue
		}
		accounts = append(accounts, account)
	}
	metrics.RecordSnapshot("directory", malformed)

	slices.SortFunc(accounts, func(a, b models.Account) int {
		return cmp.Compare(a.Identifier, b.Identifier)
	})
	return accounts, nil
}

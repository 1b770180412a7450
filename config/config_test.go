package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBypassBlocks(t *testing.T) {
	cases := []struct {
		name    string
		entries []string
		want    map[uint64]struct{}
		wantErr bool
	}{
		{
			name:    "explicit and range",
			entries: []string{"10", "2-5"},
			want: map[uint64]struct{}{
				2: {}, 3: {}, 4: {}, 5: {}, 10: {},
			},
		},
		{
			name:    "empty entries ignored",
			entries: []string{"", " ", "7"},
			want:    map[uint64]struct{}{7: {}},
		},
		{
			name:    "inverted range is an error",
			entries: []string{"9-2"},
			wantErr: true,
		},
		{
			name:    "non-numeric entry is an error",
			entries: []string{"abc"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseBypassBlocks(tc.entries)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestValidateRequiresEndpoints(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Host = "localhost"
	cfg.Database.Database = "indexer"
	cfg.Chain.ChainID = "1"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network endpoint")

	cfg.Chain.NetworkEndpoint = []string{"https://rpc.example.com"}
	require.NoError(t, cfg.Validate())
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.Chain.NetworkEndpoint = []string{"a", "b"}
	cfg.applyDefaults()

	assert.Equal(t, 12, cfg.Chain.ThrottleLimit)
	assert.Equal(t, 100, cfg.Chain.MaxBatchSize)
	assert.Equal(t, 4, cfg.Indexer.Workers) // len(endpoints)*2 = 4
	assert.Equal(t, uint64(10000), cfg.Dictionary.DictionaryQuerySize)
}

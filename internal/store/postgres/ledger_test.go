package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/kmangutov/vordex/internal/domain"
)

func TestPositionQuery(t *testing.T) {
	seller := common.HexToAddress("0x1111111111111111111111111111111111111111")
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		filter    domain.PositionFilter
		wantWhere string
		wantTail  string
		wantArgs  int
	}{
		{
			name:     "no filter",
			wantTail: "FROM positions ORDER BY id",
		},
		{
			name:      "seller and state",
			filter:    domain.PositionFilter{Seller: &seller, State: domain.PositionStateLocked},
			wantWhere: "WHERE seller = $1 AND state = $2",
			wantTail:  "ORDER BY id",
			wantArgs:  2,
		},
		{
			name:      "settled before with paging",
			filter:    domain.PositionFilter{SettledBefore: &cutoff, Limit: 10, Offset: 20},
			wantWhere: "WHERE settled_at < $1",
			wantTail:  "ORDER BY id LIMIT $2 OFFSET $3",
			wantArgs:  3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := positionQuery(tt.filter)
			if tt.wantWhere != "" {
				assert.Contains(t, query, tt.wantWhere)
			} else {
				assert.NotContains(t, query, "WHERE")
			}
			assert.True(t, strings.HasSuffix(query, tt.wantTail), query)
			assert.Len(t, args, tt.wantArgs)
		})
	}
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/vordex?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "vordex", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

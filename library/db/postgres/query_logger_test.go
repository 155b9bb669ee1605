package postgres

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/require"
)

func TestSanitizeLoggedSQLParamVector(t *testing.T) {
	vector := make([]float32, 0, 32)
	for idx := 0; idx < 32; idx++ {
		vector = append(vector, float32(idx)/10)
	}

	sanitized := sanitizeLoggedSQLParam(pgvector.NewVector(vector), 128, 4)
	result, ok := sanitized.(string)
	require.True(t, ok)
	require.Contains(t, result, "<vector:dim=32")
	require.Contains(t, result, "truncated=true")
}

func TestSanitizeLoggedSQLParams(t *testing.T) {
	vector := make([]float32, 0, 16)
	for idx := 0; idx < 16; idx++ {
		vector = append(vector, float32(idx))
	}
	vectorLiteral := "[" + strings.Repeat("0.123456789,", 40) + "0.987654321]"
	longAbstract := fmt.Sprintf("%0257d", 0)

	filtered := sanitizeLoggedSQLParams(defaultMaxLoggedParamLength, 4,
		pgvector.NewVector(vector), vectorLiteral, longAbstract, "arxiv", 42)
	require.Len(t, filtered, 5)
	require.Contains(t, filtered[0], "<vector:dim=16")
	require.Contains(t, filtered[1], "<truncated:len=")
	require.Equal(t, "<string:len=257,truncated>", filtered[2])
	require.Equal(t, "arxiv", filtered[3])
	require.Equal(t, 42, filtered[4])
}

func TestBuildDSN(t *testing.T) {
	dsn := BuildDSN(DialInfo{Addr: "db", DBName: "research", User: "u", Pwd: "p"})
	require.Equal(t, "host=db user=u password=p dbname=research port=5432 sslmode=disable TimeZone=UTC", dsn)
}

package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggonzalez94/solswap/internal/config"
	"github.com/ggonzalez94/solswap/internal/model"
)

func render(t *testing.T, env model.Envelope, settings config.Settings) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, env, settings))
	return buf.String()
}

func TestSelectKeepsNamedFieldsOfEveryRecord(t *testing.T) {
	env := model.Envelope{Success: true, Data: []model.WalletView{
		{OwnerID: "u1", Address: "A1"},
		{OwnerID: "u2", Address: "A2"},
	}}
	got := render(t, env, config.Settings{OutputMode: "json", SelectFields: []string{"address"}, ResultsOnly: true})

	var out []map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &out))
	assert.Equal(t, []map[string]any{{"address": "A1"}, {"address": "A2"}}, out)
}

func TestSelectDottedPath(t *testing.T) {
	env := model.Envelope{Success: true, Data: model.SwapResult{
		Signature:   "5sig",
		OutputToken: model.TokenRef{Address: "mint", Symbol: "USDC", Decimals: 6},
	}}
	got := render(t, env, config.Settings{OutputMode: "json", SelectFields: []string{"signature", "output_token.symbol", "output_token.nope"}, ResultsOnly: true})

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &out))
	assert.Equal(t, map[string]any{"signature": "5sig", "output_token.symbol": "USDC"}, out)
}

func TestJSONEnvelopeKeepsTypedData(t *testing.T) {
	env := model.Envelope{Version: model.EnvelopeVersion, Success: true, Data: model.TokenRef{Address: "mint", Symbol: "USDC", Decimals: 6}}
	got := render(t, env, config.Settings{OutputMode: "json"})
	assert.Less(t, strings.Index(got, `"address"`), strings.Index(got, `"symbol"`))
	assert.Contains(t, got, `"success": true`)
}

func TestPlainListIsATable(t *testing.T) {
	env := model.Envelope{Success: true, Data: []map[string]any{
		{"symbol": "SOL", "amount": "1.5"},
		{"symbol": "BONK"},
	}}
	lines := strings.Split(strings.TrimSpace(render(t, env, config.Settings{OutputMode: "plain", ResultsOnly: true})), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"amount", "symbol"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"1.5", "SOL"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"-", "BONK"}, strings.Fields(lines[2]))
}

func TestPlainEmptyList(t *testing.T) {
	env := model.Envelope{Success: true, Data: []model.WalletView{}}
	assert.Equal(t, "[]\n", render(t, env, config.Settings{OutputMode: "plain", ResultsOnly: true}))
}

func TestPlainValuationPrintsItemsThenTotal(t *testing.T) {
	price := "1"
	env := model.Envelope{Success: true, Data: model.Valuation{
		OwnerID: "u1",
		Items: []model.ValuationItem{
			{Mint: "usdc", Amount: "10", Price: &price, Value: "10"},
			{Mint: "bonk", Amount: "5", Value: "0"},
		},
		TotalUSD: "10",
		Unpriced: 1,
	}}
	lines := strings.Split(strings.TrimSpace(render(t, env, config.Settings{OutputMode: "plain", ResultsOnly: true})), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"amount", "mint", "price_usd", "value_usd"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"5", "bonk", "-", "0"}, strings.Fields(lines[2]))
	assert.Equal(t, "owner_id=u1 total_usd=10 unpriced=1", lines[3])
}

func TestPlainRecordWithWarnings(t *testing.T) {
	env := model.Envelope{
		Success:  true,
		Data:     model.TokenRef{Address: "mint", Symbol: "SOL", Decimals: 9},
		Warnings: []string{"price unavailable for mint"},
	}
	got := render(t, env, config.Settings{OutputMode: "plain"})
	assert.Equal(t, "address=mint decimals=9 symbol=SOL\nwarning: price unavailable for mint\n", got)
}

func TestRenderErrorPlain(t *testing.T) {
	env := model.Envelope{Error: &model.ErrorBody{Code: 24, Type: "no_route", Message: "no route"}}
	var buf bytes.Buffer
	require.NoError(t, RenderError(&buf, env, config.Settings{OutputMode: "plain"}))
	assert.Equal(t, "error code=24 type=no_route message=\"no route\"\n", buf.String())
}

package parser

import (
	"regexp"
	"strconv"
	"strings"

	"signalos-core/internal/signal"
)

// Parser extracts a structured trade intent from free-form signal text.
// Parse never fails: unusable input yields a ParsedSignal with confidence 0
// so downstream stages branch on confidence instead of errors.
type Parser struct {
	aliases map[string]string
	pairs   map[string]bool
}

// New creates a parser with the built-in symbol table, optionally extended
// by provider-specific aliases (alias -> canonical symbol).
func New(extraAliases map[string]string) *Parser {
	p := &Parser{
		aliases: make(map[string]string, len(defaultAliases)+len(extraAliases)),
		pairs:   make(map[string]bool, len(knownPairs)),
	}
	for _, sym := range knownPairs {
		p.pairs[sym] = true
	}
	for k, v := range defaultAliases {
		p.aliases[k] = v
	}
	for k, v := range extraAliases {
		p.aliases[strings.ToUpper(k)] = strings.ToUpper(v)
	}
	return p
}

// knownPairs are symbols accepted without alias resolution.
var knownPairs = []string{
	"EURUSD", "GBPUSD", "USDJPY", "USDCHF", "AUDUSD", "NZDUSD", "USDCAD",
	"EURGBP", "EURJPY", "GBPJPY", "AUDJPY", "EURAUD", "EURCHF", "GBPCHF",
	"CADJPY", "CHFJPY", "AUDCAD", "AUDNZD", "NZDJPY", "GBPAUD", "GBPCAD",
	"XAUUSD", "XAGUSD", "XTIUSD", "XBRUSD",
	"US30", "NAS100", "SPX500", "GER40", "UK100", "JPN225",
	"BTCUSD", "ETHUSD", "LTCUSD", "XRPUSD",
}

// defaultAliases maps common signal-channel shorthand to canonical symbols.
var defaultAliases = map[string]string{
	"GOLD":     "XAUUSD",
	"XAU":      "XAUUSD",
	"SILVER":   "XAGUSD",
	"XAG":      "XAGUSD",
	"OIL":      "XTIUSD",
	"USOIL":    "XTIUSD",
	"WTI":      "XTIUSD",
	"UKOIL":    "XBRUSD",
	"BRENT":    "XBRUSD",
	"DOW":      "US30",
	"DJ30":     "US30",
	"DOWJONES": "US30",
	"NASDAQ":   "NAS100",
	"USTEC":    "NAS100",
	"SP500":    "SPX500",
	"US500":    "SPX500",
	"DAX":      "GER40",
	"GER30":    "GER40",
	"DE40":     "GER40",
	"FTSE":     "UK100",
	"NIKKEI":   "JPN225",
	"BTC":      "BTCUSD",
	"BITCOIN":  "BTCUSD",
	"ETH":      "ETHUSD",
	"ETHEREUM": "ETHUSD",
	"CABLE":    "GBPUSD",
	"FIBER":    "EURUSD",
	"KIWI":     "NZDUSD",
	"AUSSIE":   "AUDUSD",
}

var (
	reCurrencySym = regexp.MustCompile(`[$€£¥]`)
	reThousands   = regexp.MustCompile(`(\d),(\d{3})(\D|$)`)
	reDecComma    = regexp.MustCompile(`(\d),(\d)`)
	reWord        = regexp.MustCompile(`[A-Z][A-Z0-9]*`)
	reNumber      = regexp.MustCompile(`\d+(?:\.\d+)?`)

	reEntry  = regexp.MustCompile(`(?:\b(?:ENTRY|ENTER|PRICE|AT)\b|@)\s*:?\s*(\d+(?:\.\d+)?)`)
	reSL     = regexp.MustCompile(`\b(?:SL|S/L|STOP\s*LOSS|STOPLOSS)\b\s*:?\s*(\d+(?:\.\d+)?)`)
	reTP     = regexp.MustCompile(`\b(?:TP|T/P|TAKE\s*PROFIT|TARGET)(?:\s*\d{1,2}\s*[:\-]|\d{1,2}\b)?\s*:?\s*(\d+(?:\.\d+)?)`)
	reLot    = regexp.MustCompile(`\bLOT(?:S|\s*SIZE)?\b\s*:?\s*(\d+(?:\.\d+)?)|\b(\d+(?:\.\d+)?)\s*LOTS?\b`)
	reTicket = regexp.MustCompile(`(?:#|\bTICKET\b\s*:?\s*)(\d+)`)
)

// Confidence weights. With no action keyword the best possible score is
// pair+price = 0.45, which lands below the MEDIUM band as required.
const (
	weightPair      = 0.25
	weightAction    = 0.35
	weightPrice     = 0.20
	weightStructure = 0.20
)

// Parse runs the layered matcher over a raw signal.
func (p *Parser) Parse(raw signal.RawSignal) signal.ParsedSignal {
	norm := Normalize(raw.Text)
	out := signal.ParsedSignal{
		SignalID: signal.ID(norm, raw.ProviderID, raw.ReceivedAt),
		Raw:      raw,
	}
	if norm == "" {
		return out
	}

	out.Pair = p.resolvePair(norm)
	out.Action = detectAction(norm)

	consumed := make(map[int]bool)
	if m := reTicket.FindStringSubmatchIndex(norm); m != nil {
		out.TicketRef = norm[m[2]:m[3]]
		markSpan(consumed, m[0], m[1])
	}
	if m := reLot.FindStringSubmatchIndex(norm); m != nil {
		g := 2
		if m[g] < 0 {
			g = 4
		}
		out.LotSize, _ = strconv.ParseFloat(norm[m[g]:m[g+1]], 64)
		markSpan(consumed, m[0], m[1])
	}

	p.extractPrices(norm, consumed, &out)
	out.Confidence = p.score(&out)
	return out
}

// Normalize uppercases, strips currency symbols and unifies decimal
// separators so the regex layer sees one canonical shape.
func Normalize(text string) string {
	s := strings.ToUpper(strings.TrimSpace(text))
	s = reCurrencySym.ReplaceAllString(s, "")
	// "2,000" style thousands separators first, then "1950,50" decimals.
	for {
		next := reThousands.ReplaceAllString(s, "$1$2$3")
		if next == s {
			break
		}
		s = next
	}
	s = reDecComma.ReplaceAllString(s, "$1.$2")
	return strings.Join(strings.Fields(s), " ")
}

// resolvePair tries a direct symbol match before falling back to aliases.
func (p *Parser) resolvePair(norm string) string {
	words := reWord.FindAllString(norm, -1)
	for _, w := range words {
		if p.pairs[w] {
			return w
		}
	}
	for _, w := range words {
		if sym, ok := p.aliases[w]; ok {
			return sym
		}
	}
	return ""
}

// detectAction scans for command verbs first (a CLOSE mentioning the
// original BUY must stay a CLOSE), then directional keywords with
// LIMIT/STOP qualifiers.
func detectAction(norm string) signal.Action {
	has := func(words ...string) bool {
		for _, w := range words {
			if containsWord(norm, w) {
				return true
			}
		}
		return false
	}

	switch {
	case has("CANCEL", "DELETE"):
		return signal.ActionCancel
	case has("CLOSE", "EXIT"):
		return signal.ActionClose
	case has("MODIFY", "BREAKEVEN"):
		return signal.ActionModify
	}

	buy := has("BUY", "LONG")
	sell := has("SELL", "SHORT")
	if buy == sell {
		// neither, or contradictory text
		return signal.ActionNone
	}

	// Strip stop-loss anchors so their STOP does not read as an order type.
	qualifierText := reSL.ReplaceAllString(norm, " ")
	limit := containsWord(qualifierText, "LIMIT")
	stop := containsWord(qualifierText, "STOP") &&
		!strings.Contains(qualifierText, "STOP LOSS") && !strings.Contains(qualifierText, "STOPLOSS")
	switch {
	case buy && limit:
		return signal.ActionBuyLimit
	case buy && stop:
		return signal.ActionBuyStop
	case sell && limit:
		return signal.ActionSellLimit
	case sell && stop:
		return signal.ActionSellStop
	case buy:
		return signal.ActionBuy
	default:
		return signal.ActionSell
	}
}

func containsWord(s, w string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], w)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordChar(s[i-1])
		after := i+len(w) == len(s) || !isWordChar(s[i+len(w)])
		if before && after {
			return true
		}
		idx = i + len(w)
	}
}

func isWordChar(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

// extractPrices captures anchored SL/TP/entry values, then assigns any
// remaining bare numbers positionally (first = entry, rest = TP ladder).
func (p *Parser) extractPrices(norm string, consumed map[int]bool, out *signal.ParsedSignal) {
	if m := reSL.FindStringSubmatchIndex(norm); m != nil {
		out.StopLoss = parseAt(norm, m)
		markSpan(consumed, m[0], m[1])
	}
	// A ladder index ("TP1", "TP 2:") is only consumed when glued to the
	// anchor or followed by a separator, so "TP 2010" reads as a price.
	for _, m := range reTP.FindAllStringSubmatchIndex(norm, -1) {
		markSpan(consumed, m[0], m[1])
		if len(out.TakeProfits) >= signal.MaxTakeProfits {
			out.Warnings = append(out.Warnings, "take profit ladder truncated at 100 levels")
			break
		}
		out.TakeProfits = append(out.TakeProfits, parseAt(norm, m))
	}
	if m := reEntry.FindStringSubmatchIndex(norm); m != nil {
		out.Entry = parseAt(norm, m)
		markSpan(consumed, m[0], m[1])
	}

	if out.Entry != 0 && (out.StopLoss != 0 || len(out.TakeProfits) > 0) {
		return
	}

	for _, m := range reNumber.FindAllStringIndex(norm, -1) {
		if consumed[m[0]] {
			continue
		}
		// Skip digits glued to a word token (US30, TP2, A1).
		if m[0] > 0 && isWordChar(norm[m[0]-1]) {
			continue
		}
		v, err := strconv.ParseFloat(norm[m[0]:m[1]], 64)
		if err != nil {
			continue
		}
		if out.Entry == 0 && out.Action.IsEntry() {
			out.Entry = v
			continue
		}
		if len(out.TakeProfits) >= signal.MaxTakeProfits {
			out.Warnings = append(out.Warnings, "take profit ladder truncated at 100 levels")
			break
		}
		out.TakeProfits = append(out.TakeProfits, v)
	}
}

func parseAt(s string, m []int) float64 {
	v, _ := strconv.ParseFloat(s[m[2]:m[3]], 64)
	return v
}

func markSpan(consumed map[int]bool, from, to int) {
	for i := from; i < to; i++ {
		consumed[i] = true
	}
}

// score computes the weighted confidence over the extraction evidence.
func (p *Parser) score(out *signal.ParsedSignal) float64 {
	score := 0.0
	if out.Pair != "" {
		score += weightPair
	}
	if out.Action != signal.ActionNone {
		score += weightAction
	}
	if out.Entry != 0 || out.StopLoss != 0 || len(out.TakeProfits) > 0 {
		score += weightPrice
	}
	if out.Action != signal.ActionNone && structurallyConsistent(out) {
		score += weightStructure
	}
	if score > 1 {
		score = 1
	}
	return score
}

// structurallyConsistent checks that the TP ladder moves away from entry in
// the trade direction and the SL sits on the opposite side.
func structurallyConsistent(out *signal.ParsedSignal) bool {
	dir := out.Action.Direction()
	if dir == 0 {
		// Command verbs (CLOSE/MODIFY/CANCEL) are consistent when they name
		// a pair or a ticket to act on.
		return out.Pair != "" || out.TicketRef != ""
	}
	ref := out.Entry
	if ref == 0 {
		// Market order without explicit entry: judge ladder ordering only.
		return ladderOrdered(out.TakeProfits, dir)
	}
	if out.StopLoss != 0 && float64(dir)*(ref-out.StopLoss) <= 0 {
		return false
	}
	for _, tp := range out.TakeProfits {
		if float64(dir)*(tp-ref) <= 0 {
			return false
		}
	}
	return ladderOrdered(out.TakeProfits, dir)
}

func ladderOrdered(tps []float64, dir int) bool {
	for i := 1; i < len(tps); i++ {
		if float64(dir)*(tps[i]-tps[i-1]) <= 0 {
			return false
		}
	}
	return true
}

package symbols

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Column positions in a Fyers symbol master row. The files carry no header.
const (
	colFyToken = iota
	colDetails
	colInstrumentType
	colLotSize
	colTickSize
	colISIN
	colTradingSession
	colLastUpdate
	colExpiry
	colTicker
	colExchange
	colSegment
	colScripCode
	colUnderlying
	colUnderlyingScripCode
	colStrike
	colOptionType
	colUnderlyingFyToken

	minColumns = colTicker + 1
)

// ParseCSV reads a Fyers symbol master. Rows that are too short or carry
// unparseable numbers are skipped and counted. It fails with ErrEmptySource
// when nothing usable was read.
func ParseCSV(r io.Reader) (rows []Symbol, skipped int, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.LazyQuotes = true

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				skipped++
				continue
			}
			return nil, skipped, fmt.Errorf("symbols: read csv: %w", err)
		}

		sym, ok := parseRecord(rec)
		if !ok {
			skipped++
			continue
		}
		rows = append(rows, sym)
	}

	if len(rows) == 0 {
		return nil, skipped, ErrEmptySource
	}
	return rows, skipped, nil
}

func parseRecord(rec []string) (Symbol, bool) {
	if len(rec) < minColumns {
		return Symbol{}, false
	}
	field := func(i int) string {
		if i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	sym := Symbol{
		FyToken:             field(colFyToken),
		Details:             field(colDetails),
		ISIN:                field(colISIN),
		TradingSession:      field(colTradingSession),
		LastUpdate:          field(colLastUpdate),
		Ticker:              field(colTicker),
		ScripCode:           field(colScripCode),
		Underlying:          field(colUnderlying),
		UnderlyingScripCode: field(colUnderlyingScripCode),
		OptionType:          field(colOptionType),
		UnderlyingFyToken:   field(colUnderlyingFyToken),
	}
	if sym.FyToken == "" || sym.Ticker == "" {
		return Symbol{}, false
	}

	var ok bool
	if sym.InstrumentType, ok = atoi(field(colInstrumentType)); !ok {
		return Symbol{}, false
	}
	if sym.LotSize, ok = atoi(field(colLotSize)); !ok {
		return Symbol{}, false
	}
	if sym.TickSize, ok = atof(field(colTickSize)); !ok {
		return Symbol{}, false
	}
	expiry, ok := atof(field(colExpiry))
	if !ok {
		return Symbol{}, false
	}
	sym.Expiry = int64(expiry)
	if sym.Exchange, ok = atoi(field(colExchange)); !ok {
		return Symbol{}, false
	}
	if sym.Segment, ok = atoi(field(colSegment)); !ok {
		return Symbol{}, false
	}
	if sym.Strike, ok = atof(field(colStrike)); !ok {
		return Symbol{}, false
	}
	return sym, true
}

// atoi parses an integer column; blanks are zero. Values such as "1.0"
// that some files carry are accepted when integral.
func atoi(s string) (int, bool) {
	if s == "" {
		return 0, true
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

func atof(s string) (float64, bool) {
	if s == "" {
		return 0, true
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

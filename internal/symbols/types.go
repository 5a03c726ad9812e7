package symbols

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultSourceURLs are the Fyers symbol masters for the NSE cash,
// futures-and-options and currency-derivatives segments, in load order.
var DefaultSourceURLs = []string{
	"https://public.fyers.in/sym_details/NSE_CM.csv",
	"https://public.fyers.in/sym_details/NSE_FO.csv",
	"https://public.fyers.in/sym_details/NSE_CD.csv",
}

// Sentinel errors returned by the symbol master.
var (
	ErrNotFound     = errors.New("symbol not found")
	ErrEmptySource  = errors.New("source contained no usable rows")
	ErrInvalidTable = errors.New("cannot derive table name from source url")
	ErrLockBusy     = errors.New("another process holds the init lock")
)

// catalogTable records which source populated each symbol table.
const catalogTable = "symbol_sources"

// Symbol is one instrument from a Fyers symbol master file.
type Symbol struct {
	ID                  uint    `gorm:"primaryKey" json:"-"`
	FyToken             string  `json:"fytoken"`
	Details             string  `json:"details"`
	InstrumentType      int     `json:"instrument_type"`
	LotSize             int     `json:"lot_size"`
	TickSize            float64 `json:"tick_size"`
	ISIN                string  `json:"isin"`
	TradingSession      string  `json:"trading_session"`
	LastUpdate          string  `json:"last_update"`
	Expiry              int64   `json:"expiry"`
	Ticker              string  `json:"ticker"`
	Exchange            int     `json:"exchange"`
	Segment             int     `json:"segment"`
	ScripCode           string  `json:"scrip_code"`
	Underlying          string  `json:"underlying"`
	UnderlyingScripCode string  `json:"underlying_scrip_code"`
	Strike              float64 `json:"strike"`
	OptionType          string  `json:"option_type"`
	UnderlyingFyToken   string  `json:"underlying_fytoken"`

	// Table is the symbol table the row was read from.
	Table string `gorm:"-" json:"table"`
}

// Source is a catalog entry for one loaded symbol table.
type Source struct {
	Table    string    `gorm:"primaryKey;column:table_name" json:"table"`
	URL      string    `json:"url"`
	Rows     int       `json:"rows"`
	LoadedAt time.Time `json:"loaded_at"`
}

// TableName pins the catalog table name.
func (Source) TableName() string { return catalogTable }

// TableForURL derives the symbol table name from a source URL:
// ".../NSE_CM.csv" becomes "nse_cm".
func TableForURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	base := strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))

	var b strings.Builder
	for _, r := range strings.ToLower(base) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" || name == catalogTable || strings.HasPrefix(name, "sqlite") {
		return "", fmt.Errorf("%w: %q", ErrInvalidTable, raw)
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	return name, nil
}

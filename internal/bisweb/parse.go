package bisweb

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/openparcels/bisharvest/internal/harvest"
)

// Well-known field names produced by the parser, in the order they lead the
// record. Everything else on the detail page is captured as generic key/value
// rows after these.
const (
	fieldPrimaryAddress = "Primary Address"
	fieldSecondaryAddrs = "Secondary Addresses"
	fieldBorough        = "Borough"
	fieldZIP            = "ZIP Code"
	fieldBIN            = "BIN"
)

var (
	binPattern     = regexp.MustCompile(`BIN#\s*(\d+)`)
	zipPattern     = regexp.MustCompile(`\b(\d{5})\b`)
	spacePattern   = regexp.MustCompile(`\s+`)
	rangedNumbers  = regexp.MustCompile(`\s*-\s*`)
	boroughPattern = regexp.MustCompile(`(MANHATTAN|BROOKLYN|QUEENS|BRONX|STATEN ISLAND)`)
)

// Navigation noise that shows up in the same table cells as real data.
var skipKeyFragments = []string{
	"BIS Menu", "Privacy Policy", "Cross Street", "View Zoning", "View Challenge",
}

var skipStreetFragments = []string{
	"View", "Browse", "HPD", "Number", "This property",
	"OR Enter Action Type", "OR Select from List",
}

// IsQueuePage reports whether the response is the portal's queue interstitial
// rather than a detail page. Queued requests are transient: the portal admits
// the client after a wait.
func IsQueuePage(body []byte) bool {
	return bytes.Contains(body, []byte("Just a moment")) &&
		bytes.Contains(body, []byte("Your request is being processed"))
}

// isNotFound reports whether the document is the portal's error page for a
// parcel with no record.
func isNotFound(doc *goquery.Document) bool {
	found := false
	doc.Find("td.errormsg").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToUpper(cleanText(s.Text()))
		if strings.Contains(text, "NO RECORD") || strings.Contains(text, "NOT FOUND") {
			found = true
			return false
		}
		return true
	})
	return found
}

// ParseProfile extracts the property fields from a detail page. A page that
// parses as HTML but yields none of the expected structure is a FatalError:
// that means the portal changed shape and the adapter needs maintenance, not
// that the request should be retried.
func ParseProfile(body []byte) (*harvest.FieldRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, harvest.Fatal("detail page is not parseable HTML", err)
	}
	if isNotFound(doc) {
		return nil, harvest.ErrNotFound
	}

	rec := harvest.NewFieldRecord()
	mainCells := extractMainInfo(doc, rec)
	extractSecondaryAddresses(doc, rec)
	pairs := extractKeyValueRows(doc, rec)

	// A detail page always carries the maininfo banner. Its absence means the
	// markup no longer matches what this parser understands; returning a
	// partially-empty record here would silently corrupt the output.
	if mainCells == 0 && pairs == 0 {
		return nil, harvest.Fatal("detail page structure not recognized", nil)
	}
	return rec, nil
}

// extractMainInfo reads the td.maininfo banner cells: primary address, BIN,
// and the borough/ZIP line. Returns how many banner cells were seen.
func extractMainInfo(doc *goquery.Document, rec *harvest.FieldRecord) int {
	var primary, borough, zip, bin string
	cells := 0

	doc.Find("td.maininfo").Each(func(_ int, s *goquery.Selection) {
		text := cleanText(s.Text())
		if text == "" {
			return
		}
		cells++
		switch {
		case strings.Contains(text, "BIN#"):
			if m := binPattern.FindStringSubmatch(text); m != nil {
				bin = m[1]
			}
		case boroughPattern.MatchString(text):
			borough = boroughPattern.FindString(text)
			if m := zipPattern.FindStringSubmatch(text); m != nil {
				zip = m[1]
			}
		default:
			if primary == "" {
				primary = text
			}
		}
	})

	// Fixed leading field order keeps sink headers stable across runs.
	if primary != "" {
		rec.Set(fieldPrimaryAddress, primary)
	}
	if borough != "" {
		rec.Set(fieldBorough, borough)
	}
	if zip != "" {
		rec.Set(fieldZIP, zip)
	}
	if bin != "" {
		rec.Set(fieldBIN, bin)
	}
	return cells
}

// extractSecondaryAddresses collects the building-number ranges listed under
// the primary address, formatted as "numbers street" and joined in page order.
func extractSecondaryAddresses(doc *goquery.Document, rec *harvest.FieldRecord) {
	var addrs []string
	seen := make(map[string]struct{})

	doc.Find(`tr[valign="top"]`).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td.content")
		if cells.Length() < 2 {
			return
		}
		// A colspan cell marks the cross-streets row, not an address.
		if cells.FilterFunction(func(_ int, c *goquery.Selection) bool {
			return c.AttrOr("colspan", "") == "4"
		}).Length() > 0 {
			return
		}

		street := cleanText(cells.Eq(0).Text())
		numbers := cleanText(cells.Eq(1).Text())
		if street == "" || numbers == "" {
			return
		}
		if strings.HasSuffix(street, ":") || strings.HasPrefix(street, "Select") {
			return
		}
		for _, frag := range skipStreetFragments {
			if strings.Contains(street, frag) {
				return
			}
		}

		addr := rangedNumbers.ReplaceAllString(numbers, "-") + " " + street
		if _, dup := seen[addr]; dup {
			return
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	})

	if len(addrs) > 0 {
		rec.Set(fieldSecondaryAddrs, strings.Join(addrs, ", "))
	}
}

// extractKeyValueRows captures the generic two-column label/value rows spread
// across the page's tables. Returns how many pairs were stored.
func extractKeyValueRows(doc *goquery.Document, rec *harvest.FieldRecord) int {
	pairs := 0
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cols := row.Find("td")
		if cols.Length() < 2 {
			return
		}
		label := cleanText(cols.Eq(0).Text())
		// Only labelled rows ("Tax Block:") are data; unlabelled two-column
		// rows are layout, address listings, or navigation.
		if !strings.HasSuffix(label, ":") {
			return
		}
		key := strings.TrimSuffix(label, ":")
		value := cleanText(cols.Eq(1).Text())
		if key == "" || value == "" {
			return
		}
		for _, frag := range skipKeyFragments {
			if strings.Contains(key, frag) {
				return
			}
		}
		if _, exists := rec.Get(key); exists {
			return
		}
		rec.Set(key, value)
		pairs++
	})
	return pairs
}

// cleanText collapses whitespace runs, strips non-breaking spaces, and trims.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

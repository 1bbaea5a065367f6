// Package textblock renders a normalized permit as the descriptive paragraph
// that gets embedded for semantic search.
package textblock

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/constructiq/permit-search/engine/domain"
)

// Length bounds, in characters.
const (
	MaxLength         = 4000
	sentenceThreshold = 3500
	ellipsis          = "..."
)

var printer = message.NewPrinter(language.English)

// money formats a dollar amount with thousands separators and no decimals.
func money(v float64) string { return printer.Sprintf("$%.0f", v) }

func number(v float64) string { return printer.Sprintf("%.0f", v) }

func positive(p *float64) bool { return p != nil && *p > 0 }

func has(p *string) bool { return p != nil && *p != "" }

func lower(p *string) string { return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(*p), ".")) }

func date(t *time.Time) string { return t.Format("2006-01-02") }

func plural(n int64, word string) string {
	if n > 1 {
		return fmt.Sprintf("%d %ss", n, word)
	}
	return fmt.Sprintf("%d %s", n, word)
}

// Synthesize builds the text block for rec. It never returns an empty string
// and never exceeds MaxLength characters.
func Synthesize(rec domain.NormalizedRecord) string {
	var s []string
	add := func(format string, args ...any) { s = append(s, fmt.Sprintf(format, args...)) }

	p, l, d, v := rec.PermitInfo, rec.Location, rec.Dates, rec.Valuation

	if has(rec.Project.Description) {
		add("The project involves %s", lower(rec.Project.Description))
	}

	var kinds []string
	for _, f := range []*string{p.PermitTypeDescription, p.PermitType, p.WorkClass, p.PermitClass} {
		if has(f) {
			kinds = append(kinds, lower(f))
		}
	}
	if len(kinds) > 0 {
		add("This is a %s permit", strings.Join(kinds, " "))
	}
	if has(p.Status) {
		add("The permit status is currently %s", lower(p.Status))
	}
	if has(p.IssueMethod) {
		add("The permit was issued through %s method", lower(p.IssueMethod))
	}

	var where []string
	if has(l.Address) {
		where = append(where, "located at "+*l.Address)
	}
	if has(l.City) {
		where = append(where, "in "+*l.City)
	}
	if has(l.State) {
		where = append(where, *l.State)
	}
	if has(l.ZipCode) {
		where = append(where, "ZIP code "+*l.ZipCode)
	}
	if len(where) > 0 {
		add("The property is %s", strings.Join(where, ", "))
	}
	if l.CouncilDistrict != nil && *l.CouncilDistrict != 0 {
		add("The property is located in Council District %d", *l.CouncilDistrict)
	}
	if has(l.Jurisdiction) {
		add("The project falls under %s jurisdiction", *l.Jurisdiction)
	}
	if has(l.LegalDescription) {
		add("The legal description of the property is %s", *l.LegalDescription)
	}

	if c := rec.Contractor; has(c.CompanyName) {
		add("The contractor for this project is %s", *c.CompanyName)
		if has(c.Trade) {
			add("The contractor specializes in %s work", lower(c.Trade))
		}
		if has(c.FullName) {
			add("The primary contact person is %s", *c.FullName)
		}
		if has(c.Phone) {
			add("The contractor can be reached at %s", *c.Phone)
		}
	}

	if a := rec.Applicant; has(a.FullName) {
		add("The permit applicant is %s", *a.FullName)
		if has(a.Organization) {
			add("The applicant represents %s", *a.Organization)
		}
	}

	if positive(v.TotalJobValuation) {
		add("The total project value is %s", money(*v.TotalJobValuation))
	}
	var area []string
	if positive(v.TotalNewAdditionSqft) {
		area = append(area, number(*v.TotalNewAdditionSqft)+" square feet of new addition")
	}
	if positive(v.TotalExistingBuildingSqft) {
		area = append(area, number(*v.TotalExistingBuildingSqft)+" square feet of existing building")
	}
	if positive(v.RemodelRepairSqft) {
		area = append(area, number(*v.RemodelRepairSqft)+" square feet of remodel and repair work")
	}
	if len(area) > 0 {
		add("The project includes %s", strings.Join(area, ", "))
	}
	if v.NumberOfFloors != nil && *v.NumberOfFloors > 0 {
		add("The building has %s", plural(*v.NumberOfFloors, "floor"))
	}
	if v.HousingUnits != nil && *v.HousingUnits > 0 {
		add("The project includes %s", plural(*v.HousingUnits, "housing unit"))
	}
	if positive(l.TotalLotSqft) {
		add("The lot size is %s square feet", number(*l.TotalLotSqft))
	}
	var trades []string
	for _, t := range v.Trades() {
		if positive(t.Base) {
			trades = append(trades, fmt.Sprintf("%s for %s work", money(*t.Base), t.Trade))
		}
		if positive(t.Remodel) {
			trades = append(trades, fmt.Sprintf("%s for %s remodel work", money(*t.Remodel), t.Trade))
		}
	}
	if len(trades) > 0 {
		add("Trade-specific valuations include %s", strings.Join(trades, ", "))
	}

	if d.AppliedDate != nil {
		add("The permit application was submitted on %s", date(d.AppliedDate))
	}
	if d.IssueDate != nil {
		add("The permit was issued on %s", date(d.IssueDate))
	}
	if d.ExpiresDate != nil {
		add("The permit expires on %s", date(d.ExpiresDate))
	}
	if d.CompletedDate != nil {
		add("The project was completed on %s", date(d.CompletedDate))
	}
	if d.CalendarYear != nil && *d.CalendarYear != 0 {
		add("This permit was processed in %d", *d.CalendarYear)
	}
	if has(d.DayIssued) {
		add("The permit was issued on a %s", *d.DayIssued)
	}

	if has(rec.Project.ProjectID) {
		add("The project ID is %s", *rec.Project.ProjectID)
	}
	if has(rec.Project.MasterPermitNumber) {
		add("This permit is associated with master permit %s", *rec.Project.MasterPermitNumber)
	}

	var flags []string
	if p.Condominium != nil && *p.Condominium {
		flags = append(flags, "This is a condominium project")
	}
	if p.CertificateOfOccupancy != nil && *p.CertificateOfOccupancy {
		flags = append(flags, "A certificate of occupancy is required")
	}
	if p.RecentlyIssued != nil && *p.RecentlyIssued {
		flags = append(flags, "This permit was recently issued")
	}
	if len(flags) > 0 {
		add("Special conditions include: %s", strings.Join(flags, ", "))
	}

	if summary := summarize(rec); summary != "" {
		s = append(s, summary)
	}

	if len(s) == 0 {
		return fallback(rec)
	}
	return truncate(strings.Join(s, ". ") + ".")
}

func summarize(rec domain.NormalizedRecord) string {
	p, l, d := rec.PermitInfo, rec.Location, rec.Dates
	var parts []string
	if has(p.PermitClass) && has(p.WorkClass) && has(l.City) && d.CalendarYear != nil && *d.CalendarYear != 0 {
		parts = append(parts, fmt.Sprintf("a %s %s permit in %s from %d",
			lower(p.PermitClass), lower(p.WorkClass), *l.City, *d.CalendarYear))
	}
	if has(rec.Project.Description) {
		parts = append(parts, "involving "+lower(rec.Project.Description))
	}
	if has(l.Address) {
		parts = append(parts, "at "+*l.Address)
	}
	if positive(rec.Valuation.TotalJobValuation) {
		parts = append(parts, "with a total value of "+money(*rec.Valuation.TotalJobValuation))
	}
	if len(parts) == 0 {
		return ""
	}
	return "This project represents " + strings.Join(parts, " ")
}

func fallback(rec domain.NormalizedRecord) string {
	num := "Unknown"
	if has(rec.PermitInfo.PermitNumber) {
		num = *rec.PermitInfo.PermitNumber
	}
	return fmt.Sprintf("This is building permit %s with limited information available for this permit record.", num)
}

// truncate cuts text to MaxLength characters, preferring the last sentence
// end past sentenceThreshold and otherwise ending in an ellipsis.
func truncate(text string) string {
	if utf8.RuneCountInString(text) <= MaxLength {
		return text
	}
	runes := []rune(text)
	head := string(runes[:MaxLength])
	if i := strings.LastIndexByte(head, '.'); i >= 0 && utf8.RuneCountInString(head[:i]) > sentenceThreshold {
		return head[:i+1]
	}
	return string(runes[:MaxLength-len(ellipsis)]) + ellipsis
}

package rules

import "github.com/opensource-finance/loanwatch/internal/domain"

// History summarizes a borrower's prior loans.
type History struct {
	TotalLoans     int `json:"totalLoans"`
	ReturnedOnTime int `json:"returnedOnTime"`
	LateReturns    int `json:"lateReturns"`
	CancelledLoans int `json:"cancelledLoans"`
}

// Summarize counts on-time, late and cancelled loans.
// A returned loan without an actual return date counts as on time.
func Summarize(loans []*domain.Loan) History {
	var h History
	for _, l := range loans {
		if l == nil {
			continue
		}
		h.TotalLoans++
		switch l.Status {
		case domain.LoanStatusReturned:
			actual := l.ReturnDate
			if l.ActualReturnDate != nil {
				actual = *l.ActualReturnDate
			}
			if actual.After(l.ReturnDate) {
				h.LateReturns++
			} else {
				h.ReturnedOnTime++
			}
		case domain.LoanStatusCancelled:
			h.CancelledLoans++
		}
	}
	return h
}

// Reliability weighs the on-time rate at 70% and the completion rate at 30%.
// A borrower with no history is fully reliable.
func (h History) Reliability() int {
	if h.TotalLoans == 0 {
		return 100
	}
	total := float64(h.TotalLoans)
	onTime := float64(h.ReturnedOnTime) / total
	completion := float64(h.ReturnedOnTime+h.LateReturns) / total
	return round((onTime*0.7 + completion*0.3) * 100)
}

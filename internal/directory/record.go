package directory

// Record is a single directory user as read from the source
type Record struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"displayName"`
	Department        string   `json:"department"`
	JobTitle          string   `json:"jobTitle"`
	Mail              string   `json:"mail"`
	MobilePhone       string   `json:"mobilePhone"`
	EmployeeID        string   `json:"employeeId"`
	Country           string   `json:"country"`
	BusinessPhones    []string `json:"businessPhones"`
	DerivedPictureURL string   `json:"derivedPictureUrl"`
}

// Key returns the stable key used by the sink to report per-record results
func (r Record) Key() string {
	return r.ID
}

// selectFields is the Graph $select list matching Record
var selectFields = []string{
	"id",
	"displayName",
	"department",
	"jobTitle",
	"mail",
	"mobilePhone",
	"employeeId",
	"country",
	"businessPhones",
}

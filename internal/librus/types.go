package librus

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// ID decodes a JSON string or number into a string. The API is not consistent
// about which one it sends for change and notice identifiers.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Int parses the id as a decimal integer.
func (id ID) Int() (int, error) { return strconv.Atoi(string(id)) }

// ChangeKind is the Type of a PushChanges entry.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "Add"
	ChangeEdit   ChangeKind = "Edit"
	ChangeDelete ChangeKind = "Delete"
)

// Resource types dispatched by the change feed.
const (
	ResourceSchoolNotices   = "SchoolNotices"
	ResourceTeacherFreeDays = "Calendars/TeacherFreeDays"
)

type ChangeResource struct {
	ID   ID     `json:"Id"`
	Type string `json:"Type"`
	URL  string `json:"Url"`
}

// Change is a single pending entry of the change feed. It stays pending until
// deleted with DeletePushChanges.
type Change struct {
	ID        ID             `json:"Id"`
	Resource  ChangeResource `json:"Resource"`
	Type      ChangeKind     `json:"Type"`
	AddDate   string         `json:"AddDate"`
	ExtraData *string        `json:"extraData"`
}

// Envelope carries the fields the API uses for soft errors on 2xx responses.
type Envelope struct {
	Status    string `json:"Status,omitempty"`
	Code      string `json:"Code,omitempty"`
	Message   string `json:"Message,omitempty"`
	MessagePL string `json:"MessagePL,omitempty"`
}

type Ref struct {
	ID  int    `json:"Id"`
	URL string `json:"Url"`
}

type SchoolNotice struct {
	ID           ID     `json:"Id"`
	StartDate    string `json:"StartDate"`
	EndDate      string `json:"EndDate"`
	Subject      string `json:"Subject"`
	Content      string `json:"Content"`
	AddedBy      Ref    `json:"AddedBy"`
	CreationDate string `json:"CreationDate"`
	WasRead      bool   `json:"WasRead"`
}

type User struct {
	ID         int    `json:"Id"`
	AccountID  string `json:"AccountId"`
	FirstName  string `json:"FirstName"`
	LastName   string `json:"LastName"`
	IsEmployee bool   `json:"IsEmployee"`
	GroupID    *int   `json:"GroupId,omitempty"`
}

func (u User) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// TeacherFreeDay is a teacher absence. TimeFrom/TimeTo are only present for
// partial-day absences.
type TeacherFreeDay struct {
	ID       int     `json:"Id"`
	Name     string  `json:"Name"`
	DateFrom string  `json:"DateFrom"`
	DateTo   string  `json:"DateTo"`
	TimeFrom *string `json:"TimeFrom,omitempty"`
	TimeTo   *string `json:"TimeTo,omitempty"`
	AddDate  string  `json:"AddDate"`
	Teacher  Ref     `json:"Teacher"`
}

type LuckyNumber struct {
	LuckyNumber    int    `json:"LuckyNumber"`
	LuckyNumberDay string `json:"LuckyNumberDay"`
}

// synergiaAccount is one entry of /api/v3/SynergiaAccounts (and the body of the
// per-login fresh endpoint).
type synergiaAccount struct {
	ID                int    `json:"id"`
	AccountIdentifier string `json:"accountIdentifier"`
	Group             string `json:"group"`
	AccessToken       string `json:"accessToken"`
	Login             string `json:"login"`
	StudentName       string `json:"studentName"`
	Scopes            string `json:"scopes"`
	State             string `json:"state"`
}

type synergiaAccounts struct {
	LastModification int64             `json:"lastModification"`
	Accounts         []synergiaAccount `json:"accounts"`
}

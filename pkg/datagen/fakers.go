package datagen

import (
	"fmt"
	"math/rand"
	"strings"
)

// The faker library generates tag values without an LLM round trip.
// Generators are keyed by canonical tag name; a tag without a generator
// falls back to LLM completion.

type faker func(r *rand.Rand) string

var (
	firstNames = []string{"Ada", "Grace", "Alan", "Edsger", "Barbara", "Donald", "Leslie", "Radia", "Ken", "Dennis", "Frances", "John"}
	lastNames  = []string{"Lovelace", "Hopper", "Turing", "Dijkstra", "Liskov", "Knuth", "Lamport", "Perlman", "Thompson", "Ritchie", "Allen", "Backus"}
	streets    = []string{"Main St", "Oak Ave", "Maple Dr", "2nd St", "Park Rd", "Cedar Ln", "Lake View", "Hill Ct"}
	cities     = []string{"Springfield", "Riverton", "Fairview", "Georgetown", "Ashland", "Milton", "Dayton", "Clinton"}
	companies  = []string{"Acme", "Globex", "Initech", "Umbrella", "Stark", "Wayne", "Hooli", "Vandelay"}
	suffixes   = []string{"Inc", "LLC", "Corp", "Group", "Labs", "Systems"}
	domains    = []string{"example.com", "mail.test", "corp.example", "inbox.dev"}
	jobs       = []string{"engineer", "analyst", "manager", "designer", "accountant", "technician", "consultant", "director"}
)

var fakers = map[string]faker{
	"NAME": func(r *rand.Rand) string {
		return pick(r, firstNames) + " " + pick(r, lastNames)
	},
	"FIRSTNAME": func(r *rand.Rand) string { return pick(r, firstNames) },
	"LASTNAME":  func(r *rand.Rand) string { return pick(r, lastNames) },
	"EMAIL": func(r *rand.Rand) string {
		return strings.ToLower(pick(r, firstNames)) + "." + strings.ToLower(pick(r, lastNames)) + "@" + pick(r, domains)
	},
	"PHONE": func(r *rand.Rand) string {
		return fmt.Sprintf("%03d-%03d-%04d", 200+r.Intn(800), r.Intn(1000), r.Intn(10000))
	},
	"SSN": func(r *rand.Rand) string {
		return fmt.Sprintf("%03d-%02d-%04d", 1+r.Intn(899), 1+r.Intn(99), 1+r.Intn(9999))
	},
	"ADDRESS": func(r *rand.Rand) string {
		return fmt.Sprintf("%d %s, %s", 1+r.Intn(9999), pick(r, streets), pick(r, cities))
	},
	"LOCATION": func(r *rand.Rand) string { return pick(r, cities) },
	"COMPANY": func(r *rand.Rand) string {
		return pick(r, companies) + " " + pick(r, suffixes)
	},
	"JOBTITLE": func(r *rand.Rand) string { return pick(r, jobs) },
	"DATE": func(r *rand.Rand) string {
		return fmt.Sprintf("%d-%02d-%02d", 1970+r.Intn(60), 1+r.Intn(12), 1+r.Intn(28))
	},
	"TIME": func(r *rand.Rand) string {
		return fmt.Sprintf("%02d:%02d", r.Intn(24), r.Intn(60))
	},
	"URL": func(r *rand.Rand) string {
		return "https://" + strings.ToLower(pick(r, companies)) + "." + pick(r, domains)
	},
	"CREDITCARD": func(r *rand.Rand) string {
		return fmt.Sprintf("4%03d %04d %04d %04d", r.Intn(1000), r.Intn(10000), r.Intn(10000), r.Intn(10000))
	},
	"AMOUNT": func(r *rand.Rand) string {
		return fmt.Sprintf("$%d.%02d", 1+r.Intn(10000), r.Intn(100))
	},
}

// canonicalTag normalizes a user tag name to the faker key: uppercase,
// separators stripped, so "phone_number" and "PhoneNumber" both reach
// the PHONE generator.
func canonicalTag(tag string) string {
	upper := strings.ToUpper(tag)
	upper = strings.NewReplacer("_", "", "-", "", " ", "").Replace(upper)
	switch upper {
	case "PHONENUMBER", "PHONENO", "TELEPHONE":
		return "PHONE"
	case "FULLNAME", "PERSONNAME", "PERSON":
		return "NAME"
	case "EMAILADDRESS":
		return "EMAIL"
	case "SOCIALSECURITYNUMBER":
		return "SSN"
	case "CREDITCARDNUMBER", "CARDNUMBER":
		return "CREDITCARD"
	case "CITY":
		return "LOCATION"
	case "ORGANIZATION", "ORG", "EMPLOYER":
		return "COMPANY"
	case "JOB", "OCCUPATION":
		return "JOBTITLE"
	}
	return upper
}

// FakeValues returns n generated values for tag, or false when no
// generator matches and the caller must fall back to the LLM.
func FakeValues(tag string, n int, r *rand.Rand) ([]string, bool) {
	gen, ok := fakers[canonicalTag(tag)]
	if !ok {
		return nil, false
	}
	out := make([]string, n)
	for i := range out {
		out[i] = gen(r)
	}
	return out, true
}

func pick(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}

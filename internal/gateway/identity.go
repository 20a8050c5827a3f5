package gateway

import (
	"hash/fnv"
	"net/http"
	"strings"

	"easel/internal/presence"
	"easel/internal/util"
)

var colorPalette = []struct{ Name, Hex string }{
	{"coral", "#ff7f50"},
	{"teal", "#14b8a6"},
	{"violet", "#8b5cf6"},
	{"amber", "#f59e0b"},
	{"rose", "#f43f5e"},
	{"sky", "#0ea5e9"},
	{"lime", "#84cc16"},
	{"slate", "#64748b"},
}

// identityFromRequest builds the participant identity from query
// parameters (?user=&name=&email=&color=). Identity issuance is
// upstream of this server: the gateway trusts what the client declares
// and fills in what it omits. Omitted ids get a fresh session id,
// omitted colors a stable palette pick keyed on the id.
func identityFromRequest(r *http.Request) presence.User {
	q := r.URL.Query()
	user := presence.User{
		ID:          strings.TrimSpace(q.Get("user")),
		DisplayName: strings.TrimSpace(q.Get("name")),
		Email:       strings.TrimSpace(q.Get("email")),
	}
	if user.ID == "" {
		user.ID = util.SessionID()
	}
	if user.DisplayName == "" {
		user.DisplayName = "Guest " + shortID(user.ID)
	}

	pick := colorPalette[paletteIndex(user.ID)]
	user.ColorName = pick.Name
	user.ColorHex = pick.Hex

	color := strings.TrimSpace(q.Get("color"))
	if strings.HasPrefix(color, "#") {
		user.ColorName = ""
		user.ColorHex = color
	} else if color != "" {
		for _, c := range colorPalette {
			if c.Name == color {
				user.ColorName = c.Name
				user.ColorHex = c.Hex
				break
			}
		}
	}
	return user
}

func paletteIndex(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(len(colorPalette)))
}

func shortID(id string) string {
	if len(id) <= 4 {
		return id
	}
	return id[len(id)-4:]
}

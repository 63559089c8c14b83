package conference

import (
	"crypto/rand"
	"math/big"
	"strings"
)

var moods = []string{
	"amber", "brisk", "calm", "dapper", "eager", "fuzzy", "gentle", "hasty", "jolly", "keen",
	"lucky", "mellow", "nimble", "plucky", "quiet", "rosy", "sunny", "tidy", "vivid", "witty",
}

var creatures = []string{
	"badger", "crane", "dingo", "egret", "ferret", "gecko", "heron", "ibis", "jackal", "koala",
	"lemur", "marten", "newt", "ocelot", "puffin", "quokka", "raven", "stoat", "tapir", "walrus",
}

var landmarks = []string{
	"bay", "brook", "cove", "dune", "fjord", "glade", "grove", "harbor", "isle", "lagoon",
	"marsh", "mesa", "oasis", "peak", "prairie", "reef", "ridge", "summit", "tundra", "valley",
}

// NewRoomID returns random memorable room id like "plucky-heron-lagoon".
func NewRoomID() (string, error) {
	lists := [][]string{moods, creatures, landmarks}
	words := make([]string, 0, len(lists))
	for _, list := range lists {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(list))))
		if err != nil {
			return "", err
		}
		words = append(words, list[n.Int64()])
	}
	return strings.Join(words, "-"), nil
}

package normalize

import "testing"

func TestText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "", want: ""},
		{name: "cyrillic case fold", input: "Громкое Дело", want: "громкое дело"},
		{name: "stop phrase after punctuation", input: "Громкое дело. Настольная игра", want: "громкое дело"},
		{name: "colon removed", input: "Dune: Imperium", want: "dune imperium"},
		{name: "whitespace collapsed", input: "  Ticket \t to   Ride ", want: "ticket to ride"},
		{name: "hyphen kept inside word", input: "Star-Wars Outer Rim", want: "star-wars outer rim"},
		{name: "standalone hyphen dropped", input: "Brass - Birmingham", want: "brass birmingham"},
		{name: "apostrophe deleted", input: "Tzolk'in", want: "tzolkin"},
		{name: "possessive deleted", input: "Root's Riverfolk", want: "roots riverfolk"},
		{name: "russian stop words", input: "Каркассон. Дополнение 2 Делюкс издание", want: "каркассон 2"},
		{name: "only stop words", input: "Набор дополнение", want: ""},
		{name: "matcher-only words kept", input: "Catan Board Game Deluxe Edition", want: "catan board game deluxe edition"},
		{name: "игра kept", input: "Игра престолов", want: "игра престолов"},
		{name: "full width digits", input: "Кодовые имена ２", want: "кодовые имена 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Text(tt.input); got != tt.want {
				t.Errorf("Text(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTitle(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Catan Board Game Deluxe Edition", "catan"},
		{"Deluxe Edition", ""},
		{"Gameplay Settlers", "gameplay settlers"},
		{"Tzolk'in: The Mayan Calendar", "tzolkin the mayan calendar"},
		{"Настольная игра «Громкое дело»", "громкое дело"},
	}
	for _, tt := range tests {
		if got := Title(tt.input); got != tt.want {
			t.Errorf("Title(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestTitleSplitsHyphens(t *testing.T) {
	if got := Title("Star-Wars: Outer Rim"); got != "star wars outer rim" {
		t.Errorf("Title() = %q, want %q", got, "star wars outer rim")
	}
	if got := Text("Star-Wars: Outer Rim"); got != "star-wars outer rim" {
		t.Errorf("Text() = %q, want %q", got, "star-wars outer rim")
	}
}

func TestTextIsIdempotent(t *testing.T) {
	inputs := []string{"Dune: Imperium – Rise of Ix", "Громкое дело. Настольная игра", "7 Wonders Duel (2nd edition)"}
	for _, in := range inputs {
		once := Text(in)
		if twice := Text(once); twice != once {
			t.Errorf("Text(Text(%q)) = %q, want %q", in, twice, once)
		}
	}
}

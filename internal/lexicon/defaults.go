package lexicon

// Built-in lexicon content used when an admin has no stored documents yet.
// Admin edits persist full documents, so the defaults only ever seed the
// first snapshot.

// defaultCategories is the seed dental lexicon, grouped the way the admin
// UI presents it.
var defaultCategories = map[string][]string{
	"diagnose": {
		"cariës",
		"gingivitis",
		"parodontitis",
		"pulpitis",
		"abces",
		"erosie",
		"abrasie",
		"fistel",
		"peri-apicaal",
		"peri-implantitis",
	},
	"anatomie": {
		"element",
		"molaar",
		"premolaar",
		"incisief",
		"cuspidaat",
		"gebit",
		"gingiva",
		"furcatie",
		"apex",
		"radix",
	},
	"vlakken": {
		"distaal",
		"mesiaal",
		"buccaal",
		"linguaal",
		"palatinaal",
		"occlusaal",
		"cervicaal",
		"mesio-occlusaal",
		"disto-occlusaal",
		"mesio-buccaal",
	},
	"behandeling": {
		"extractie",
		"restauratie",
		"endodontische behandeling",
		"wortelkanaalbehandeling",
		"vulling",
		"kroon",
		"brug",
		"implantaat",
		"sealant",
		"gebitsreiniging",
	},
	"materiaal": {
		"composiet",
		"amalgaam",
		"glasionomeer",
		"porselein",
		"zirkonium",
	},
}

// defaultVariants maps known mishearings to canonical terms, per category.
var defaultVariants = map[string]map[string]string{
	"diagnose": {
		"karius":  "cariës",
		"caries":  "cariës",
		"karies":  "cariës",
		"abses":   "abces",
		"pulpitus": "pulpitis",
	},
	"vlakken": {
		"distale":  "distaal",
		"buckaal":  "buccaal",
		"okklusaal": "occlusaal",
	},
	"materiaal": {
		"komposiet": "composiet",
	},
}

// defaultProtected are words the fuzzy stage must never rewrite.
var defaultProtected = []string{
	"niet",
	"geen",
	"links",
	"rechts",
	"boven",
	"onder",
	"pocket",
	"sonderen",
}

// defaultNumberWords maps Dutch number words to digit strings. Element
// codes only use 1–8, but 0 and 9 appear in measurements.
var defaultNumberWords = map[string]string{
	"nul":   "0",
	"een":   "1",
	"één":   "1",
	"twee":  "2",
	"drie":  "3",
	"vier":  "4",
	"vijf":  "5",
	"zes":   "6",
	"zeven": "7",
	"acht":  "8",
	"negen": "9",
}

// defaultTriggers are the dental-context words that license element-number
// rewriting in their vicinity.
var defaultTriggers = []string{
	"element",
	"tand",
	"kies",
	"molaar",
	"premolaar",
	"incisief",
	"gebitselement",
}

// defaultSuffixGroups are morphological families; a fuzzy match may only
// land on a candidate in the same family (or on an unclassified token).
var defaultSuffixGroups = [][]string{
	{"aal", "ale", "alen"},
	{"itis"},
	{"ie", "ieën"},
	{"aat", "aten"},
}

// defaultUnits are the measurement units recognized by protection and
// compaction. The percent sign compacts without a space like the others.
var defaultUnits = []string{"mm", "cm", "ml", "mg", "%"}

// defaultSnapshot builds a snapshot from the built-in content.
func defaultSnapshot() *Snapshot {
	s := &Snapshot{
		Categories:     copyCategories(defaultCategories),
		Variants:       flattenVariants(defaultVariants),
		Protected:      toSet(defaultProtected),
		CustomPatterns: map[string]string{"karius": "cariës"},
		NumberWords:    copyStringMap(defaultNumberWords),
		Triggers:       toSet(defaultTriggers),
		SuffixGroups:   copyGroups(defaultSuffixGroups),
		Units:          append([]string(nil), defaultUnits...),
	}
	s.buildIndexes()
	return s
}

func copyCategories(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func flattenVariants(in map[string]map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range in {
		for variant, canonical := range m {
			out[variant] = canonical
		}
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyGroups(in [][]string) [][]string {
	out := make([][]string, len(in))
	for i, g := range in {
		out[i] = append([]string(nil), g...)
	}
	return out
}

func toSet(words []string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

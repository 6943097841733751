// Command simstring builds and queries approximate string retrieval
// databases. With --build it reads strings from stdin, one per line, and
// writes a database; otherwise it opens a database and retrieves matches
// for each stdin line.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/peterbourgon/ff/v3"

	"github.com/chokkan/simstring"
)

const versionString = "simstring 1.1 (stream version 2)"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("simstring", flag.ContinueOnError)
	var (
		build   = fs.Bool("b", false, "build a database for strings read from STDIN")
		name    = fs.String("d", "", "database file `path`")
		unicode = fs.Bool("u", false, "use Unicode (UTF-32 code units) for representing characters")
		ngram   = fs.Int("n", 3, "unit of n-grams")
		mark    = fs.Bool("m", false, "include marks for begins and ends of strings")
		measure = fs.String("s", "cosine", "similarity measure: exact, dice, cosine, jaccard, overlap")
		thresh  = fs.Float64("t", 0.7, "similarity threshold")
		echo    = fs.Bool("e", false, "echo back query strings to the output")
		quiet   = fs.Bool("q", false, "suppress supplemental information from the output")
		bench   = fs.Bool("p", false, "show benchmark result (retrieved strings are suppressed)")
		version = fs.Bool("v", false, "show version information and exit")
	)
	fs.BoolVar(build, "build", false, "alias of -b")
	fs.StringVar(name, "database", "", "alias of -d")
	fs.BoolVar(unicode, "unicode", false, "alias of -u")
	fs.IntVar(ngram, "ngram", 3, "alias of -n")
	fs.BoolVar(mark, "mark", false, "alias of -m")
	fs.StringVar(measure, "similarity", "cosine", "alias of -s")
	fs.Float64Var(thresh, "threshold", 0.7, "alias of -t")
	fs.BoolVar(echo, "echo-back", false, "alias of -e")
	fs.BoolVar(quiet, "quiet", false, "alias of -q")
	fs.BoolVar(bench, "benchmark", false, "alias of -p")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("SIMSTRING")); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		return 1
	}

	log.SetReportTimestamp(false)
	if *quiet {
		log.SetLevel(log.WarnLevel)
	}

	if *version {
		fmt.Println(versionString)
		return 0
	}
	if *name == "" {
		log.Error("no database file; use -d to name one")
		return 1
	}

	charSize := 1
	if *unicode {
		charSize = 4
	}

	if *build {
		return buildDatabase(*name, *ngram, *mark, charSize)
	}
	return retrieve(*name, *measure, *thresh, charSize, *echo, *quiet, *bench)
}

func buildDatabase(name string, n int, mark bool, charSize int) int {
	log.Info("constructing the database",
		"database", name, "ngram", n, "mark", mark, "charSize", charSize)

	w, err := simstring.NewWriter(name, simstring.WriterOptions{
		N:        n,
		Padded:   mark,
		CharSize: charSize,
	})
	if err != nil {
		log.Errorf("open: %v", err)
		return 1
	}

	start := time.Now()
	count := 0
	line := 0
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line++
		if err := w.Insert(sc.Text()); err != nil {
			if errors.Is(err, simstring.ErrEmptyFeatures) {
				log.Warnf("skipping line %d: %v", line, err)
				continue
			}
			log.Errorf("insert: %v", err)
			w.Close()
			return 1
		}
		if count++; count%10000 == 0 {
			log.Infof("number of strings: %d", count)
		}
	}
	if err := sc.Err(); err != nil {
		log.Errorf("reading stdin: %v", err)
		w.Close()
		return 1
	}

	log.Info("flushing the database")
	if err := w.Close(); err != nil {
		log.Errorf("close: %v", err)
		return 1
	}
	log.Info("done", "strings", count, "elapsed", time.Since(start))
	return 0
}

func retrieve(name, measureName string, threshold float64, charSize int, echo, quiet, bench bool) int {
	m, err := simstring.ParseMeasure(measureName)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}

	r, err := simstring.NewReader(name)
	if err != nil {
		log.Errorf("open: %v", err)
		return 1
	}
	defer r.Close()

	if r.CharSize() != charSize {
		log.Errorf("inconsistent character encoding (DB: %d, current: %d); toggling -u may solve this",
			r.CharSize(), charSize)
		return 1
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	var (
		numQueries   int
		numRetrieved int
		elapsed      time.Duration
	)
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		query := sc.Text()
		start := time.Now()
		hits, err := r.Retrieve(query, m, threshold)
		if err != nil {
			log.Errorf("retrieve: %v", err)
			return 1
		}
		spent := time.Since(start)
		elapsed += spent
		numQueries++
		numRetrieved += len(hits)

		if !bench {
			if echo {
				fmt.Fprintln(out, query)
			}
			for _, h := range hits {
				fmt.Fprintf(out, "\t%s\n", h)
			}
			out.Flush()
		}
		if !quiet {
			log.Infof("%d strings retrieved (%v)", len(hits), spent)
		}
	}
	if err := sc.Err(); err != nil {
		log.Errorf("reading stdin: %v", err)
		return 1
	}

	if bench && numQueries > 0 {
		fmt.Fprintf(out, "Total number of queries: %d\n", numQueries)
		fmt.Fprintf(out, "Seconds per query: %f\n", (elapsed / time.Duration(numQueries)).Seconds())
		fmt.Fprintf(out, "Number of retrieved strings per query: %f\n", float64(numRetrieved)/float64(numQueries))
	}
	return 0
}

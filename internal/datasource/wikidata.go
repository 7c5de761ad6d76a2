package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// DefaultWikidataEndpoint is the public Wikidata SPARQL endpoint.
const DefaultWikidataEndpoint = "https://query.wikidata.org/sparql"

// DefaultMinPopulation selects the cities scanned by default.
const DefaultMinPopulation = 500000

// City is a populated place that becomes a region.
type City struct {
	Name       string
	Population int
	Lat        float64
	Lon        float64
	ImgURL     string
}

// majorCitiesQuery selects US cities (Q1093829) with population, coordinates
// and an image.
const majorCitiesQuery = `SELECT ?cityLabel ?population ?gps ?image
WHERE {
  ?city wdt:P31 wd:Q1093829 .
  ?city wdt:P1082 ?population .
  ?city wdt:P625 ?gps .
  ?city wdt:P18 ?image .
  FILTER(?population > %d)
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en" . }
}`

var wktPoint = regexp.MustCompile(`Point\(\s*(\S+)\s+(\S+)\s*\)`)

// WikidataClient looks up cities on a Wikidata SPARQL endpoint.
type WikidataClient struct {
	endpoint string
	client   *http.Client
}

// NewWikidataClient creates a client for endpoint. A nil client selects an
// http.Client with a 60 second timeout.
func NewWikidataClient(endpoint string, client *http.Client) *WikidataClient {
	if endpoint == "" {
		endpoint = DefaultWikidataEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &WikidataClient{endpoint: endpoint, client: client}
}

// MajorCities returns US cities with more than minPopulation residents,
// ordered by name. A city with several images or coordinates is returned once.
func (c *WikidataClient) MajorCities(ctx context.Context, minPopulation int) ([]City, error) {
	q := url.Values{"query": {fmt.Sprintf(majorCitiesQuery, minPopulation)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/sparql-results+json")
	req.Header.Set("User-Agent", "vegeo-backend/0.1")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wikidata request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("wikidata returned %s: %s", resp.Status, body)
	}

	return parseCities(resp.Body)
}

type sparqlValue struct {
	Value string `json:"value"`
}

type sparqlResponse struct {
	Results struct {
		Bindings []map[string]sparqlValue `json:"bindings"`
	} `json:"results"`
}

func parseCities(r io.Reader) ([]City, error) {
	var res sparqlResponse
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode sparql response: %w", err)
	}

	seen := make(map[string]bool)
	var cities []City
	for _, b := range res.Results.Bindings {
		name := b["cityLabel"].Value
		if name == "" || seen[name] {
			continue
		}

		lat, lon, err := parsePoint(b["gps"].Value)
		if err != nil {
			return nil, fmt.Errorf("city %s: %w", name, err)
		}
		pop, err := strconv.ParseFloat(b["population"].Value, 64)
		if err != nil {
			return nil, fmt.Errorf("city %s: invalid population: %w", name, err)
		}

		seen[name] = true
		cities = append(cities, City{
			Name:       name,
			Population: int(pop + 0.5),
			Lat:        lat,
			Lon:        lon,
			ImgURL:     CommonsThumbURL(b["image"].Value),
		})
	}

	sort.Slice(cities, func(i, j int) bool { return cities[i].Name < cities[j].Name })
	return cities, nil
}

// parsePoint reads a WKT "Point(lon lat)" literal.
func parsePoint(s string) (lat, lon float64, err error) {
	m := wktPoint.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid point literal: %q", s)
	}
	if lon, err = strconv.ParseFloat(m[1], 64); err != nil {
		return 0, 0, fmt.Errorf("invalid longitude in %q: %w", s, err)
	}
	if lat, err = strconv.ParseFloat(m[2], 64); err != nil {
		return 0, 0, fmt.Errorf("invalid latitude in %q: %w", s, err)
	}
	return lat, lon, nil
}

// CommonsThumbURL turns a Wikimedia Commons file URL into a 320px thumbnail URL.
func CommonsThumbURL(imageURL string) string {
	if imageURL == "" {
		return ""
	}
	return "https://commons.wikimedia.org/w/thumb.php?width=320&f=" + path.Base(imageURL)
}

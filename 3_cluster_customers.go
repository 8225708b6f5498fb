package custseg

import (
	"fmt"
	"log"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Allowed range for the number of clusters.
const (
	MinClusters = 2
	MaxClusters = 10
)

// silhouetteSampleSize bounds the number of points whose silhouette is evaluated.
const silhouetteSampleSize = 2000

// ClusterOptions controls k-means.
type ClusterOptions struct {
	// Seed drives k-means++ initialization.
	Seed int64
	// MaxIterations bounds Lloyd iterations per restart.
	MaxIterations int
	// Restarts is the number of independent initializations; the lowest inertia wins.
	Restarts int
}

// DefaultClusterOptions returns seed 42 with 300 iterations and 4 restarts.
func DefaultClusterOptions() ClusterOptions {
	return ClusterOptions{
		Seed:          42,
		MaxIterations: 300,
		Restarts:      4,
	}
}

// Clustering is the result of one k-means run over standardized features.
type Clustering struct {
	K    int   `json:"k"`
	Seed int64 `json:"seed"`
	// Labels holds the cluster id in [0, K) of every row.
	Labels []int `json:"labels"`
	// Centroids is K x features in standardized space.
	Centroids  *mat.Dense `json:"-"`
	Sizes      []int      `json:"sizes"`
	Inertia    float64    `json:"inertia"`
	Iterations int        `json:"iterations"`
	Converged  bool       `json:"converged"`
	Silhouette float64    `json:"silhouette"`
}

// Centroid returns a copy of cluster id's center.
func (c *Clustering) Centroid(id int) []float64 {
	return append([]float64(nil), c.Centroids.RawRowView(id)...)
}

// Nearest returns the cluster whose centroid is closest to point.
func (c *Clustering) Nearest(point []float64) int {
	best, _ := nearestCentroid(point, c.Centroids)
	return best
}

// Cluster partitions the rows of data into k groups with k-means++ seeded
// Lloyd iterations. Every cluster of the result has at least one member.
func Cluster(data *mat.Dense, k int, opts ClusterOptions) (*Clustering, error) {
	if k < MinClusters || k > MaxClusters {
		return nil, fmt.Errorf("%w: k=%d, must be within [%d, %d]", ErrInvalidClusterCount, k, MinClusters, MaxClusters)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: no standardized features", ErrPrecursorMissing)
	}
	n, _ := data.Dims()
	if n < k {
		return nil, fmt.Errorf("%w: %d records for %d clusters", ErrInsufficientData, n, k)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultClusterOptions().MaxIterations
	}
	if opts.Restarts <= 0 {
		opts.Restarts = 1
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	var best *Clustering
	for run := 0; run < opts.Restarts; run++ {
		c := kmeans(data, k, rng, opts.MaxIterations)
		if best == nil || c.Inertia < best.Inertia {
			best = c
		}
	}
	best.Seed = opts.Seed
	best.Silhouette = silhouetteScore(data, best.Labels, k)

	if best.Converged {
		log.Printf("K-means (k=%d) converged after %d iterations, inertia %.4f", k, best.Iterations, best.Inertia)
	} else {
		log.Printf("⚠️  K-means (k=%d) stopped at the %d iteration bound, inertia %.4f", k, best.Iterations, best.Inertia)
	}
	return best, nil
}

func kmeans(data *mat.Dense, k int, rng *rand.Rand, maxIterations int) *Clustering {
	n, _ := data.Dims()
	centroids := initializeCentroidsKMeansPlusPlus(data, k, rng)

	var labels []int
	c := &Clustering{K: k}
	for iteration := 1; iteration <= maxIterations; iteration++ {
		next := assignPointsToClusters(data, centroids)
		fillEmptyClusters(data, next, centroids, k)

		changed := labels == nil
		for i := 0; !changed && i < n; i++ {
			changed = labels[i] != next[i]
		}
		labels = next
		centroids = updateCentroids(data, labels, k)
		c.Iterations = iteration

		if !changed {
			c.Converged = true
			break
		}
	}

	c.Labels = labels
	c.Centroids = centroids
	c.Sizes = make([]int, k)
	for i, label := range labels {
		c.Sizes[label]++
		c.Inertia += squaredDistance(data.RawRowView(i), centroids.RawRowView(label))
	}
	return c
}

// initializeCentroidsKMeansPlusPlus picks k starting centers, each next one
// with probability proportional to its squared distance from the chosen ones.
func initializeCentroidsKMeansPlusPlus(data *mat.Dense, k int, rng *rand.Rand) *mat.Dense {
	n, d := data.Dims()
	centroids := mat.NewDense(k, d, nil)
	centroids.SetRow(0, data.RawRowView(rng.Intn(n)))

	distances := make([]float64, n)
	for j := range distances {
		distances[j] = math.Inf(1)
	}
	for i := 1; i < k; i++ {
		prev := centroids.RawRowView(i - 1)
		for j := 0; j < n; j++ {
			if dist := squaredDistance(data.RawRowView(j), prev); dist < distances[j] {
				distances[j] = dist
			}
		}

		totalWeight := floats.Sum(distances)
		if totalWeight == 0 {
			// All points coincide with chosen centers.
			centroids.SetRow(i, data.RawRowView(rng.Intn(n)))
			continue
		}

		target := rng.Float64() * totalWeight
		cumWeight := 0.0
		chosen := -1
		for j, dist := range distances {
			cumWeight += dist
			if dist > 0 {
				chosen = j
			}
			if cumWeight > target && dist > 0 {
				break
			}
		}
		centroids.SetRow(i, data.RawRowView(chosen))
	}
	return centroids
}

// assignPointsToClusters assigns each row to its nearest centroid.
func assignPointsToClusters(data, centroids *mat.Dense) []int {
	n, _ := data.Dims()
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		labels[i], _ = nearestCentroid(data.RawRowView(i), centroids)
	}
	return labels
}

// fillEmptyClusters reseeds every empty cluster with the point farthest from
// its own centroid, taken from a cluster that keeps at least one member.
// Ties go to the lowest row index.
func fillEmptyClusters(data *mat.Dense, labels []int, centroids *mat.Dense, k int) {
	counts := make([]int, k)
	for _, label := range labels {
		counts[label]++
	}
	for j := 0; j < k; j++ {
		if counts[j] > 0 {
			continue
		}
		farthest, farthestDist := -1, -1.0
		for i, label := range labels {
			if counts[label] < 2 {
				continue
			}
			if dist := squaredDistance(data.RawRowView(i), centroids.RawRowView(label)); dist > farthestDist {
				farthest, farthestDist = i, dist
			}
		}
		if farthest < 0 {
			// Unreachable while rows >= k.
			return
		}
		counts[labels[farthest]]--
		labels[farthest] = j
		counts[j] = 1
		centroids.SetRow(j, data.RawRowView(farthest))
	}
}

// updateCentroids recalculates each centroid as the mean of its members.
func updateCentroids(data *mat.Dense, labels []int, k int) *mat.Dense {
	_, d := data.Dims()
	centroids := mat.NewDense(k, d, nil)
	counts := make([]int, k)
	for i, label := range labels {
		floats.Add(centroids.RawRowView(label), data.RawRowView(i))
		counts[label]++
	}
	for j := 0; j < k; j++ {
		if counts[j] > 0 {
			floats.Scale(1/float64(counts[j]), centroids.RawRowView(j))
		}
	}
	return centroids
}

func nearestCentroid(point []float64, centroids *mat.Dense) (int, float64) {
	k, _ := centroids.Dims()
	best, bestDist := 0, math.Inf(1)
	for j := 0; j < k; j++ {
		if dist := squaredDistance(point, centroids.RawRowView(j)); dist < bestDist {
			best, bestDist = j, dist
		}
	}
	return best, bestDist
}

func squaredDistance(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

// silhouetteScore returns the mean silhouette coefficient using Euclidean
// distance. Members of singleton clusters score 0. On large inputs an evenly
// strided sample of points is scored against all rows.
func silhouetteScore(data *mat.Dense, labels []int, k int) float64 {
	n, _ := data.Dims()
	if k < 2 || n < 2 {
		return 0
	}
	sizes := make([]int, k)
	for _, label := range labels {
		sizes[label]++
	}

	stride := 1
	if n > silhouetteSampleSize {
		stride = (n + silhouetteSampleSize - 1) / silhouetteSampleSize
	}

	total, scored := 0.0, 0
	sums := make([]float64, k)
	for i := 0; i < n; i += stride {
		own := labels[i]
		scored++
		if sizes[own] < 2 {
			continue
		}
		for j := range sums {
			sums[j] = 0
		}
		point := data.RawRowView(i)
		for j := 0; j < n; j++ {
			if j != i {
				sums[labels[j]] += floats.Distance(point, data.RawRowView(j), 2)
			}
		}
		a := sums[own] / float64(sizes[own]-1)
		b := math.Inf(1)
		for c := 0; c < k; c++ {
			if c == own || sizes[c] == 0 {
				continue
			}
			if avg := sums[c] / float64(sizes[c]); avg < b {
				b = avg
			}
		}
		if m := math.Max(a, b); m > 0 && !math.IsInf(b, 1) {
			total += (b - a) / m
		}
	}
	return total / float64(scored)
}

// KEvaluation scores one candidate cluster count.
type KEvaluation struct {
	K          int     `json:"k"`
	Silhouette float64 `json:"silhouette"`
	Inertia    float64 `json:"inertia"`
	Sizes      []int   `json:"sizes"`
}

// SuggestK clusters data for every k in [minK, maxK] and returns the
// evaluations together with the k of highest silhouette. Cluster counts
// above the number of rows are skipped.
func SuggestK(data *mat.Dense, minK, maxK int, opts ClusterOptions) (int, []KEvaluation, error) {
	if minK < MinClusters {
		minK = MinClusters
	}
	if maxK > MaxClusters {
		maxK = MaxClusters
	}
	if minK > maxK {
		return 0, nil, fmt.Errorf("%w: empty range [%d, %d]", ErrInvalidClusterCount, minK, maxK)
	}

	var evaluations []KEvaluation
	bestK, bestScore := 0, math.Inf(-1)
	for k := minK; k <= maxK; k++ {
		c, err := Cluster(data, k, opts)
		if err != nil {
			if len(evaluations) == 0 {
				return 0, nil, err
			}
			break
		}
		evaluations = append(evaluations, KEvaluation{K: k, Silhouette: c.Silhouette, Inertia: c.Inertia, Sizes: c.Sizes})
		if c.Silhouette > bestScore {
			bestK, bestScore = k, c.Silhouette
		}
	}
	log.Printf("📏 Best k=%d with silhouette %.3f", bestK, bestScore)
	return bestK, evaluations, nil
}

package presence

import (
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"
)

const (
	defaultClusterSize = 50.0
	iouThreshold       = 0.45
)

// Box is an axis-aligned rectangle as x1, y1, x2, y2 in source pixels.
type Box [4]int32

func (b Box) area() float64 {
	return float64(b[2]-b[0]) * float64(b[3]-b[1])
}

// Detection is one scored box of the target class.
type Detection struct {
	Box        Box
	Confidence float32
}

// clusterBoxes merges overlapping detections of the same object with DBSCAN
// over box corners. The neighbourhood scales with the median box size.
func clusterBoxes(detections []Detection) []Box {
	if len(detections) == 0 {
		return nil
	}

	eps := math.Max(medianSize(detections), defaultClusterSize) * 0.5
	minPoints := 1
	if len(detections) > 3 {
		minPoints = 2
	}

	points := make([][]float64, len(detections))
	for i, det := range detections {
		points[i] = []float64{float64(det.Box[0]), float64(det.Box[1]), float64(det.Box[2]), float64(det.Box[3])}
	}

	return mergeClusters(detections, dbscan(points, eps, minPoints))
}

func medianSize(detections []Detection) float64 {
	sizes := make([]float64, len(detections))
	for i, det := range detections {
		sizes[i] = math.Sqrt(det.Box.area())
	}

	median, err := stats.Median(sizes)
	if err != nil {
		return defaultClusterSize
	}
	return median
}

// mergeClusters unions the boxes of each cluster. Noise points join the first
// cluster they overlap and otherwise stand alone.
func mergeClusters(detections []Detection, clusters []int) []Box {
	grouped := map[int][]Box{}
	var order []int
	var noise []Box

	for i, cluster := range clusters {
		if cluster == -1 {
			noise = append(noise, detections[i].Box)
			continue
		}
		if _, ok := grouped[cluster]; !ok {
			order = append(order, cluster)
		}
		grouped[cluster] = append(grouped[cluster], detections[i].Box)
	}

	var out []Box
	for _, box := range noise {
		merged := false
		for _, cluster := range order {
			for _, existing := range grouped[cluster] {
				if iou(box, existing) > iouThreshold {
					grouped[cluster] = append(grouped[cluster], box)
					merged = true
					break
				}
			}
			if merged {
				break
			}
		}
		if !merged {
			out = append(out, box)
		}
	}

	for _, cluster := range order {
		out = append(out, unionBoxes(grouped[cluster]))
	}
	return out
}

func iou(a, b Box) float64 {
	x1 := math.Max(float64(a[0]), float64(b[0]))
	y1 := math.Max(float64(a[1]), float64(b[1]))
	x2 := math.Min(float64(a[2]), float64(b[2]))
	y2 := math.Min(float64(a[3]), float64(b[3]))
	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.area() + b.area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

func unionBoxes(boxes []Box) Box {
	result := boxes[0]
	for _, box := range boxes[1:] {
		result[0] = min(result[0], box[0])
		result[1] = min(result[1], box[1])
		result[2] = max(result[2], box[2])
		result[3] = max(result[3], box[3])
	}
	return result
}

func dbscan(points [][]float64, eps float64, minPoints int) []int {
	clusters := make([]int, len(points))
	for i := range clusters {
		clusters[i] = -1
	}

	current := 0
	for i := range points {
		if clusters[i] != -1 {
			continue
		}

		neighbors := neighborsOf(points, i, eps)
		if len(neighbors) < minPoints {
			continue
		}

		clusters[i] = current
		expandCluster(points, clusters, neighbors, current, eps, minPoints)
		current++
	}
	return clusters
}

func neighborsOf(points [][]float64, idx int, eps float64) []int {
	var neighbors []int
	for i := range points {
		if floats.Distance(points[idx], points[i], 2) <= eps {
			neighbors = append(neighbors, i)
		}
	}
	return neighbors
}

func expandCluster(points [][]float64, clusters, neighbors []int, cluster int, eps float64, minPoints int) {
	for i := 0; i < len(neighbors); i++ {
		idx := neighbors[i]
		if clusters[idx] != -1 {
			continue
		}
		clusters[idx] = cluster
		if more := neighborsOf(points, idx, eps); len(more) >= minPoints {
			neighbors = append(neighbors, more...)
		}
	}
}

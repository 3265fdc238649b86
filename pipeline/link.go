package pipeline

import (
	"math"
	"sort"

	"github.com/pluginplay/faceblur/reid"
	"github.com/pluginplay/faceblur/tracker"
)

// Spatiotemporal linking gates
const (
	// linkMaxCenterDist is the maximum center distance between tracklet
	// endpoints, normalized by the larger box diagonal
	linkMaxCenterDist = 2.0
	// linkMaxAreaRatio is the maximum endpoint area ratio in either
	// direction
	linkMaxAreaRatio = 4.0
	// linkLongGapMinConfFrames is how many confident frames both sides of
	// a long-gap link must have
	linkLongGapMinConfFrames = 6
	// linkLongGapMinSim is the absolute similarity floor for long gaps
	linkLongGapMinSim = 0.50
)

// trackletSummary condenses one recorded tracklet for linking
type trackletSummary struct {
	id           int
	startFrame   int
	endFrame     int
	startBBox    tracker.BBox
	endBBox      tracker.BBox
	frameCount   int
	confGeThresh int
}

// linkTracklets merges compatible tracklets across gaps using appearance
// similarity and spatial continuity, then deduplicates the merged per-frame
// data.  Pairs merge only when they are mutual nearest neighbors by
// similarity.
func (p *Pipeline) linkTracklets(trackData map[int][]TrackFrame,
	appearances map[int][]float32) map[int][]TrackFrame {

	tracklets := p.summarize(trackData)

	uf := newUnionFind()
	for _, s := range tracklets {
		uf.find(s.id)
	}

	linksMade := 0
	simSum := 0.0
	simMin := math.Inf(1)
	simMax := math.Inf(-1)

	if p.cfg.UseReid && len(appearances) > 0 && len(tracklets) >= 2 {

		shortGap := int(math.Round(float64(p.cfg.VideoFPS) * 2))
		if shortGap < 1 {
			shortGap = 1
		}
		longGap := int(math.Round(float64(p.cfg.VideoFPS) * 10))
		if longGap < shortGap {
			longGap = shortGap
		}

		n := len(tracklets)

		bestTo := make([]int, n)
		bestToSim := make([]float32, n)
		bestToDist := make([]float32, n)
		bestFrom := make([]int, n)
		bestFromSim := make([]float32, n)
		bestFromDist := make([]float32, n)

		// best long-gap candidates, logged for threshold tuning
		bestLongTo := make([]int, n)
		bestLongToSim := make([]float32, n)
		bestLongToGap := make([]int, n)
		bestLongToDist := make([]float32, n)

		for i := 0; i < n; i++ {
			bestTo[i] = -1
			bestToSim[i] = -1
			bestToDist[i] = 1e9
			bestFrom[i] = -1
			bestFromSim[i] = -1
			bestFromDist[i] = 1e9
			bestLongTo[i] = -1
			bestLongToSim[i] = -1
			bestLongToDist[i] = 1e9
		}

		for i := 0; i < n; i++ {
			a := tracklets[i]
			appA, ok := appearances[a.id]
			if !ok {
				continue
			}

			for j := 0; j < n; j++ {
				if i == j {
					continue
				}
				b := tracklets[j]
				if b.startFrame <= a.endFrame {
					continue
				}

				gap := b.startFrame - a.endFrame
				if gap <= 0 || gap > longGap {
					continue
				}

				appB, ok := appearances[b.id]
				if !ok {
					continue
				}

				dist := centerDistNormMaxDiag(a.endBBox, b.startBBox)
				if !(dist <= linkMaxCenterDist) {
					continue
				}

				areaA := maxf32(1e-6, a.endBBox.Area())
				areaB := maxf32(1e-6, b.startBBox.Area())
				ar := areaB / areaA
				if ar < 1 {
					ar = 1 / maxf32(1e-6, ar)
				}
				if !(ar <= linkMaxAreaRatio) {
					continue
				}

				sim := reid.CosineSimilarity(appA, appB)
				isLongGap := gap > shortGap

				if isLongGap {
					if sim > bestLongToSim[i] ||
						(sim == bestLongToSim[i] && dist < bestLongToDist[i]) {
						bestLongTo[i] = j
						bestLongToSim[i] = sim
						bestLongToGap[i] = gap
						bestLongToDist[i] = dist
					}
				}

				simThresh := p.cfg.ReidCosThresh
				if isLongGap {
					// long gaps are riskier: require confident frames on
					// both sides and a higher similarity floor
					if a.confGeThresh < linkLongGapMinConfFrames ||
						b.confGeThresh < linkLongGapMinConfFrames {
						continue
					}
					simThresh = maxf32(p.cfg.ReidCosThresh, linkLongGapMinSim)
				}
				if !(sim >= simThresh) {
					continue
				}

				if sim > bestToSim[i] || (sim == bestToSim[i] && dist < bestToDist[i]) {
					bestTo[i] = j
					bestToSim[i] = sim
					bestToDist[i] = dist
				}

				if sim > bestFromSim[j] || (sim == bestFromSim[j] && dist < bestFromDist[j]) {
					bestFrom[j] = i
					bestFromSim[j] = sim
					bestFromDist[j] = dist
				}
			}
		}

		for i := 0; i < n; i++ {
			j := bestTo[i]
			if j < 0 || bestFrom[j] != i {
				continue // not a mutual nearest neighbor
			}

			idA := tracklets[i].id
			idB := tracklets[j].id
			if uf.find(idA) == uf.find(idB) {
				continue
			}
			uf.union(idA, idB)
			linksMade++

			s := float64(bestToSim[i])
			simSum += s
			simMin = math.Min(simMin, s)
			simMax = math.Max(simMax, s)
		}

		if logReidCands {
			for i := 0; i < n; i++ {
				if bestLongTo[i] < 0 {
					continue
				}
				diagLog.Printf("ReIDLinkLongCand: %d -> %d gap=%d sim=%.3f dist=%.3f",
					tracklets[i].id, tracklets[bestLongTo[i]].id,
					bestLongToGap[i], bestLongToSim[i], bestLongToDist[i])
			}
		}
	}

	if p.cfg.UseReid && logReid {
		meanSim := 0.0
		if linksMade > 0 {
			meanSim = simSum / float64(linksMade)
		}
		smin, smax := 0.0, 0.0
		if !math.IsInf(simMin, 0) {
			smin = simMin
		}
		if !math.IsInf(simMax, 0) {
			smax = simMax
		}
		diagLog.Printf("ReIDLink: links=%d sim_mean=%.3f sim_min=%.3f sim_max=%.3f",
			linksMade, meanSim, smin, smax)
	}

	// merge frames by union-find representative, then deduplicate per frame
	merged := make(map[int][]TrackFrame)

	for id, frames := range trackData {
		root := uf.find(id)
		merged[root] = append(merged[root], frames...)
	}

	for id, frames := range merged {
		sort.SliceStable(frames, func(i, j int) bool {
			return frames[i].FrameIndex < frames[j].FrameIndex
		})

		dedup := frames[:0]
		for _, f := range frames {
			if len(dedup) == 0 || dedup[len(dedup)-1].FrameIndex != f.FrameIndex {
				dedup = append(dedup, f)
			} else if f.Confidence > dedup[len(dedup)-1].Confidence {
				dedup[len(dedup)-1] = f
			}
		}
		merged[id] = dedup
	}

	return merged
}

// summarize condenses each tracklet into its linking summary, trimming
// low-confidence prediction tails so the span reflects when the face was
// actually present
func (p *Pipeline) summarize(trackData map[int][]TrackFrame) []trackletSummary {

	spanConf := maxf32(0.20, p.cfg.ConfThresh*0.60)

	ids := make([]int, 0, len(trackData))
	for id := range trackData {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	tracklets := make([]trackletSummary, 0, len(ids))

	for _, id := range ids {
		frames := trackData[id]
		if len(frames) == 0 {
			continue
		}

		first := 0
		last := len(frames) - 1

		for first < len(frames) && frames[first].Confidence < spanConf {
			first++
		}
		for last >= 0 && frames[last].Confidence < spanConf {
			last--
		}
		if first >= len(frames) || last < 0 || last < first {
			// fallback: raw endpoints
			first = 0
			last = len(frames) - 1
		}

		ge := 0
		for _, f := range frames {
			if f.Confidence >= p.cfg.ConfThresh {
				ge++
			}
		}

		tracklets = append(tracklets, trackletSummary{
			id:           id,
			startFrame:   frames[first].FrameIndex,
			endFrame:     frames[last].FrameIndex,
			startBBox:    frames[first].BBox,
			endBBox:      frames[last].BBox,
			frameCount:   len(frames),
			confGeThresh: ge,
		})
	}

	return tracklets
}

// centerDistNormMaxDiag is the center distance between two boxes normalized
// by the larger box diagonal, so a temporarily shrunken box is not
// over-penalized
func centerDistNormMaxDiag(a, b tracker.BBox) float32 {

	dx := a.CenterX() - b.CenterX()
	dy := a.CenterY() - b.CenterY()

	diag := maxf32(bboxDiag(a), bboxDiag(b)) + 1e-6

	return float32(math.Sqrt(float64(dx*dx+dy*dy))) / diag
}

// bboxDiag returns the diagonal length of a box
func bboxDiag(b tracker.BBox) float32 {
	w := maxf32(0, b.Width())
	h := maxf32(0, b.Height())
	return float32(math.Sqrt(float64(w*w + h*h)))
}

// maxf32 returns the larger of two float32 values
func maxf32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

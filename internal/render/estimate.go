package render

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// ErrProjectUnreadable はプロジェクトファイルを XML として読めないことを表します。
var ErrProjectUnreadable = errors.New("render: project file unreadable")

// Estimate は総フレーム数の見積もり結果です。
// Estimated が false の場合、Total は縮退値 1 です。
type Estimate struct {
	Total     int
	Estimated bool
}

var degenerateEstimate = Estimate{Total: 1, Estimated: false}

// EstimateTotalFrames はプロジェクトファイルから総フレーム数を見積もります。
// タイミング宣言やフレームレートが無い・数値でない場合は縮退値を返し、エラーにはしません。
func EstimateTotalFrames(projectPath string) (Estimate, error) {
	data, err := os.ReadFile(projectPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return degenerateEstimate, fmt.Errorf("%w: %s", ErrProjectMissing, projectPath)
		}
		return degenerateEstimate, fmt.Errorf("%w: %v", ErrProjectUnreadable, err)
	}
	return EstimateFromXML(data)
}

// EstimateFromXML は MLT XML のバイト列から総フレーム数を見積もります。
func EstimateFromXML(data []byte) (Estimate, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return degenerateEstimate, fmt.Errorf("%w: %v", ErrProjectUnreadable, err)
	}
	root := doc.Root()
	if root == nil {
		return degenerateEstimate, fmt.Errorf("%w: empty document", ErrProjectUnreadable)
	}

	fps, ok := frameRate(root)
	if !ok {
		return degenerateEstimate, nil
	}

	container := mainContainer(root)
	if container == nil {
		return degenerateEstimate, nil
	}

	rawOut := strings.TrimSpace(container.SelectAttrValue("out", ""))
	if rawOut == "" {
		return degenerateEstimate, nil
	}
	out, ok := parseTime(rawOut, fps)
	if !ok {
		return degenerateEstimate, nil
	}
	in := 0.0
	if rawIn := strings.TrimSpace(container.SelectAttrValue("in", "")); rawIn != "" {
		if v, ok := parseTime(rawIn, fps); ok {
			in = v
		}
	}

	seconds := out - in
	if seconds <= 0 {
		return degenerateEstimate, nil
	}
	total := int(math.Round(seconds * fps))
	if total < 1 {
		total = 1
	}
	return Estimate{Total: total, Estimated: true}, nil
}

// frameRate は <profile frame_rate_num frame_rate_den> からフレームレートを求めます。
func frameRate(root *etree.Element) (float64, bool) {
	profile := root.SelectElement("profile")
	if profile == nil {
		return 0, false
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(profile.SelectAttrValue("frame_rate_num", "")), 64)
	if err != nil || num <= 0 {
		return 0, false
	}
	den, err := strconv.ParseFloat(strings.TrimSpace(profile.SelectAttrValue("frame_rate_den", "1")), 64)
	if err != nil || den <= 0 {
		return 0, false
	}
	return num / den, true
}

// mainContainer は最上位の最後の tractor を返します。melt は文書中の最後のプロデューサーを再生する。
func mainContainer(root *etree.Element) *etree.Element {
	tractors := root.SelectElements("tractor")
	if len(tractors) == 0 {
		return nil
	}
	return tractors[len(tractors)-1]
}

// parseTime は "HH:MM:SS.mmm" 形式（"," 区切りや時・分の省略も可）を秒に変換します。
// 区切りの無い整数は MLT の慣習どおりフレーム数として扱います。
func parseTime(value string, fps float64) (float64, bool) {
	if !strings.Contains(value, ":") {
		if frames, err := strconv.Atoi(value); err == nil {
			if frames < 0 {
				return 0, false
			}
			return float64(frames) / fps, true
		}
		return parseSeconds(value)
	}

	parts := strings.Split(value, ":")
	if len(parts) > 3 {
		return 0, false
	}
	var total float64
	for i, part := range parts {
		var v float64
		if i == len(parts)-1 {
			s, ok := parseSeconds(part)
			if !ok {
				return 0, false
			}
			v = s
		} else {
			n, err := strconv.Atoi(part)
			if err != nil || n < 0 {
				return 0, false
			}
			v = float64(n)
		}
		total = total*60 + v
	}
	return total, true
}

func parseSeconds(value string) (float64, bool) {
	value = strings.Replace(value, ",", ".", 1)
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

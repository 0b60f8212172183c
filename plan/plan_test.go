package plan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c4milo/syncd/entry"
	"github.com/c4milo/syncd/scanner"
)

func resultsOf(entries ...*entry.Entry) <-chan scanner.Result {
	ch := make(chan scanner.Result, len(entries))
	for _, e := range entries {
		ch <- scanner.Result{Entry: e}
	}
	close(ch)
	return ch
}

func collectItems(t *testing.T, ch <-chan WorkItem, errs <-chan error) ([]WorkItem, []error) {
	t.Helper()
	var items []WorkItem
	var errors []error
	done := false
	for !done {
		select {
		case item, ok := <-ch:
			if !ok {
				ch = nil
				if errs == nil {
					done = true
				}
				continue
			}
			items = append(items, item)
		case e, ok := <-errs:
			if !ok {
				errs = nil
				if ch == nil {
					done = true
				}
				continue
			}
			errors = append(errors, e)
		}
	}
	return items, errors
}

func mustItemByPath(t *testing.T, items []WorkItem, path string) WorkItem {
	t.Helper()
	for _, it := range items {
		if it.Path == path {
			return it
		}
	}
	t.Fatalf("no work item for path %q", path)
	return WorkItem{}
}

func TestRunCreatesMissingDestinationFile(t *testing.T) {
	src := resultsOf(&entry.Entry{Path: "a.txt", Kind: entry.KindRegular, Size: 5, ModTime: time.Unix(1, 0)})
	dst := resultsOf()

	out, errs, _ := Run(context.Background(), src, dst, nil, DefaultConfig())
	items, errors := collectItems(t, out, errs)
	require.Empty(t, errors)

	item := mustItemByPath(t, items, "a.txt")
	require.Equal(t, ActionCreate, item.Action)
	require.Equal(t, StrategyFullCopy, item.Strategy)
}

func TestRunSkipsIdenticalFile(t *testing.T) {
	mtime := time.Unix(1000, 0)
	src := resultsOf(&entry.Entry{Path: "a.txt", Kind: entry.KindRegular, Size: 5, ModTime: mtime})
	dst := resultsOf(&entry.Entry{Path: "a.txt", Kind: entry.KindRegular, Size: 5, ModTime: mtime})

	out, errs, _ := Run(context.Background(), src, dst, nil, DefaultConfig())
	items, errors := collectItems(t, out, errs)
	require.Empty(t, errors)
	require.Len(t, items, 1)
	require.Equal(t, ActionSkip, items[0].Action)
}

func TestRunUpdatesOnSizeMismatch(t *testing.T) {
	mtime := time.Unix(1000, 0)
	src := resultsOf(&entry.Entry{Path: "a.txt", Kind: entry.KindRegular, Size: 99, ModTime: mtime})
	dst := resultsOf(&entry.Entry{Path: "a.txt", Kind: entry.KindRegular, Size: 5, ModTime: mtime})

	out, errs, _ := Run(context.Background(), src, dst, nil, DefaultConfig())
	items, errors := collectItems(t, out, errs)
	require.Empty(t, errors)

	item := mustItemByPath(t, items, "a.txt")
	require.Equal(t, ActionUpdate, item.Action)
}

func TestRunDeletesWhenEnabledAndSkipsOtherwise(t *testing.T) {
	dst := resultsOf(&entry.Entry{Path: "gone.txt", Kind: entry.KindRegular, Size: 1})

	cfg := DefaultConfig()
	cfg.DeleteEnabled = true
	out, errs, _ := Run(context.Background(), resultsOf(), dst, nil, cfg)
	items, errors := collectItems(t, out, errs)
	require.Empty(t, errors)
	item := mustItemByPath(t, items, "gone.txt")
	require.Equal(t, ActionDelete, item.Action)

	out2, errs2, _ := Run(context.Background(), resultsOf(), resultsOf(&entry.Entry{Path: "gone.txt", Kind: entry.KindRegular, Size: 1}), nil, DefaultConfig())
	items2, errors2 := collectItems(t, out2, errs2)
	require.Empty(t, errors2)
	require.Len(t, items2, 1)
	require.Equal(t, ActionSkip, items2[0].Action)
}

func TestRunSafetyGateBlocksMassDeletion(t *testing.T) {
	var dstEntries []*entry.Entry
	for i := 0; i < 10; i++ {
		dstEntries = append(dstEntries, &entry.Entry{Path: string(rune('a' + i)), Kind: entry.KindRegular})
	}
	cfg := DefaultConfig()
	cfg.DeleteEnabled = true
	cfg.DeleteThresholdPct = 50

	out, errs, _ := Run(context.Background(), resultsOf(), resultsOf(dstEntries...), nil, cfg)
	items, errors := collectItems(t, out, errs)
	require.Empty(t, items)
	require.Len(t, errors, 1)
}

func TestRunLargeFileUsesRollingDelta(t *testing.T) {
	mtime := time.Unix(1000, 0)
	cfg := DefaultConfig()
	src := resultsOf(&entry.Entry{Path: "big.bin", Kind: entry.KindRegular, Size: cfg.DeltaThresholdBytes + 1, ModTime: mtime})
	dst := resultsOf(&entry.Entry{Path: "big.bin", Kind: entry.KindRegular, Size: cfg.DeltaThresholdBytes, ModTime: mtime})

	out, errs, _ := Run(context.Background(), src, dst, nil, cfg)
	items, errors := collectItems(t, out, errs)
	require.Empty(t, errors)

	item := mustItemByPath(t, items, "big.bin")
	require.Equal(t, StrategyRollingDelta, item.Strategy)
}

func TestRunLocalBothSidesPrefersBlockCompareForLargeFiles(t *testing.T) {
	mtime := time.Unix(1000, 0)
	cfg := DefaultConfig()
	cfg.LocalBothSides = true
	src := resultsOf(&entry.Entry{Path: "big.bin", Kind: entry.KindRegular, Size: cfg.DeltaThresholdBytes + 1, ModTime: mtime})
	dst := resultsOf(&entry.Entry{Path: "big.bin", Kind: entry.KindRegular, Size: cfg.DeltaThresholdBytes, ModTime: mtime})

	out, errs, _ := Run(context.Background(), src, dst, nil, cfg)
	items, errors := collectItems(t, out, errs)
	require.Empty(t, errors)

	item := mustItemByPath(t, items, "big.bin")
	require.Equal(t, StrategyLocalBlockCompare, item.Strategy)
}

func TestRunSymlinkTargetChangeTriggersUpdate(t *testing.T) {
	src := resultsOf(&entry.Entry{Path: "link", Kind: entry.KindSymlink, SymlinkTarget: "new"})
	dst := resultsOf(&entry.Entry{Path: "link", Kind: entry.KindSymlink, SymlinkTarget: "old"})

	out, errs, _ := Run(context.Background(), src, dst, nil, DefaultConfig())
	items, errors := collectItems(t, out, errs)
	require.Empty(t, errors)

	item := mustItemByPath(t, items, "link")
	require.Equal(t, ActionUpdate, item.Action)
	require.Equal(t, StrategySymlinkReplace, item.Strategy)
}

func TestRunKindSwapTriggersUpdate(t *testing.T) {
	src := resultsOf(&entry.Entry{Path: "x", Kind: entry.KindDirectory})
	dst := resultsOf(&entry.Entry{Path: "x", Kind: entry.KindRegular, Size: 4})

	out, errs, _ := Run(context.Background(), src, dst, nil, DefaultConfig())
	items, errors := collectItems(t, out, errs)
	require.Empty(t, errors)

	item := mustItemByPath(t, items, "x")
	require.Equal(t, ActionUpdate, item.Action)
	require.Equal(t, StrategyDirectoryCreate, item.Strategy)
}

func TestSafetyGateExceededRecognizesWrappedError(t *testing.T) {
	err := checkSafetyGate(
		map[string]*entry.Entry{},
		map[string]*entry.Entry{"a": {}, "b": {}, "c": {}, "d": {}},
		10,
	)
	require.Error(t, err)
	require.True(t, SafetyGateExceeded(err))
}

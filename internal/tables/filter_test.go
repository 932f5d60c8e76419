package tables

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilter(t *testing.T) {
	tests := []struct {
		name                       string
		include, exclude, dbs, xdb []string
		skip                       map[string]bool
	}{
		{
			name: "no filter",
			skip: map[string]bool{"db/t1.MAD": false},
		},
		{
			name:    "include regex",
			include: []string{`^db[.]t1$`},
			skip:    map[string]bool{"db/t1.MAD": false, "db/t2.MAD": true, "db/t1#P#p0.MAD": false},
		},
		{
			name:    "single partition",
			include: []string{`^db[.]t1#P#p5$`},
			skip:    map[string]bool{"db/t1#P#p5.MAD": false, "db/t1#P#p4.MAD": true},
		},
		{
			name:    "exclude wins",
			include: []string{`^db[.]t`},
			exclude: []string{`^db[.]secret$`},
			skip:    map[string]bool{"db/t1.MAD": false, "db/secret.MAD": true, "db/secret#P#p0.MAD": true},
		},
		{
			name: "databases",
			dbs:  []string{"db"},
			skip: map[string]bool{"db/t1.MAD": false, "other/t1.MAD": true},
		},
		{
			name:    "database plus table exclusion",
			dbs:     []string{"db"},
			exclude: []string{`[.]tmp$`},
			skip:    map[string]bool{"db/t1.MAD": false, "db/tmp.MAD": true},
		},
		{
			name: "excluded database",
			xdb:  []string{"mysql"},
			skip: map[string]bool{"mysql/user.MAD": true, "db/user.MAD": false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFilter(tt.include, tt.exclude, tt.dbs, tt.xdb)
			require.NoError(t, err)
			for path, want := range tt.skip {
				require.Equal(t, want, f.Skip(path), path)
			}
		})
	}
}

func TestFilterBadRegex(t *testing.T) {
	_, err := NewFilter([]string{"("}, nil, nil, nil)
	require.Error(t, err)
}

func TestNilFilter(t *testing.T) {
	f, err := NewFilter(nil, nil, nil, nil)
	require.NoError(t, err)
	require.Nil(t, f)
	require.False(t, f.Skip("db/t1.MAD"))
	require.False(t, f.SkipDatabase("db"))
}
